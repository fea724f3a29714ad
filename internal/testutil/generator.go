package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ScriptedGenerator replays a fixed sequence of responses, one per call.
// A step is either a text reply or an error; GenerateStructured decodes the
// step's text as JSON into the caller's value. When the script runs out the
// last step repeats.
type ScriptedGenerator struct {
	mu      sync.Mutex
	steps   []scriptStep
	next    int
	prompts []string
}

type scriptStep struct {
	text string
	err  error
}

// NewScriptedGenerator builds an empty script.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{}
}

// Reply queues a successful text response.
func (s *ScriptedGenerator) Reply(text string) *ScriptedGenerator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{text: text})
	return s
}

// Fail queues an error response.
func (s *ScriptedGenerator) Fail(err error) *ScriptedGenerator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{err: err})
	return s
}

// Generate returns the next scripted step.
func (s *ScriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	step, err := s.take(prompt)
	if err != nil {
		return "", err
	}
	return step, nil
}

// GenerateStructured returns the next scripted step decoded as JSON.
func (s *ScriptedGenerator) GenerateStructured(ctx context.Context, prompt string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	step, err := s.take(prompt)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(step), v)
}

// Prompts returns every prompt seen so far, in call order.
func (s *ScriptedGenerator) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Calls reports how many generation calls have happened.
func (s *ScriptedGenerator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *ScriptedGenerator) take(prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.steps) == 0 {
		return "", fmt.Errorf("scripted generator: no steps queued")
	}
	i := s.next
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[i]
	return step.text, step.err
}
