// Package quiz synthesizes multiple-choice questions from knowledge base
// chunks and scores the answers. Each session has at most one active quiz.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sage-tutor/sage/internal/log"
	"github.com/sage-tutor/sage/internal/vectorstore"
)

var (
	// ErrNoQuestions indicates no valid question could be produced, either
	// because the knowledge base is empty or every generation attempt
	// failed validation.
	ErrNoQuestions = errors.New("quiz: no questions could be generated")

	// ErrNoActiveQuiz indicates the session has no quiz in progress.
	ErrNoActiveQuiz = errors.New("quiz: no active quiz for this session")

	// ErrUnknownQuestion indicates the question ID is not part of the quiz.
	ErrUnknownQuestion = errors.New("quiz: unknown question")

	// ErrAlreadyAnswered indicates the question was answered before.
	ErrAlreadyAnswered = errors.New("quiz: question already answered")

	// ErrInvalidOption indicates an option index outside 0..3.
	ErrInvalidOption = errors.New("quiz: option must be between 0 and 3")

	// ErrInvalidCount indicates a non-positive question count.
	ErrInvalidCount = errors.New("quiz: question count must be positive")
)

// optionCount is the fixed number of choices per question.
const optionCount = 4

// listLimit bounds how many chunks are considered for sampling.
const listLimit = 1024

// View is a question as shown to the learner, without the answer.
type View struct {
	ID       string
	Stem     string
	Options  [optionCount]string
	Answered bool
}

// AnswerResult reports the outcome of one answer along with the running
// tally.
type AnswerResult struct {
	Correct       bool
	CorrectOption int
	Score         int
	Answered      int
}

// Summary is the final tally of a quiz.
type Summary struct {
	Total    int
	Answered int
	Score    int
	Percent  float64
}

type question struct {
	id       string
	chunkID  string
	stem     string
	options  [optionCount]string
	correct  int
	answered bool
}

type quizState struct {
	mu        sync.Mutex
	questions []*question
	byID      map[string]*question
	answered  int
	score     int
}

// ChunkSource lists knowledge base chunks for sampling.
type ChunkSource interface {
	ListKnowledge(ctx context.Context, limit int) ([]vectorstore.Entry, error)
}

// StructuredGenerator produces a JSON document for a prompt.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, prompt string, v any) error
}

// Generator runs quizzes. Safe for concurrent use across sessions.
type Generator struct {
	source  ChunkSource
	llm     StructuredGenerator
	logger  log.Logger
	shuffle func(n int, swap func(i, j int))

	maxGenAttempts int

	mu     sync.Mutex
	active map[string]*quizState
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxGenAttempts bounds generation retries per chunk.
func WithMaxGenAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxGenAttempts = n
		}
	}
}

// WithShuffle overrides the sampling shuffle, mainly for tests.
func WithShuffle(f func(n int, swap func(i, j int))) Option {
	return func(g *Generator) { g.shuffle = f }
}

// NewGenerator wires a quiz generator to its chunk source and model.
func NewGenerator(source ChunkSource, llm StructuredGenerator, logger log.Logger, opts ...Option) *Generator {
	g := &Generator{
		source:         source,
		llm:            llm,
		logger:         logger,
		shuffle:        rand.Shuffle,
		maxGenAttempts: 3,
		active:         make(map[string]*quizState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start samples up to count distinct chunks without replacement and
// generates one question per chunk. Chunks whose generations never pass
// validation are skipped. Asking for more questions than the knowledge
// base has chunks yields at most one question per chunk.
//
// A new Start replaces any quiz already active for the session; the old
// quiz is discarded without a tally. Registration happens atomically under
// the generator lock, so of two concurrent Starts one fully supersedes
// the other.
func (g *Generator) Start(ctx context.Context, sessionID string, count int) ([]View, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	chunks, err := g.source.ListKnowledge(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("quiz: list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, ErrNoQuestions
	}
	g.shuffle(len(chunks), func(i, j int) {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	})

	var questions []*question
	for _, chunk := range chunks {
		if len(questions) == count {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, err := g.generateQuestion(ctx, chunk)
		if err != nil {
			g.logger.Warn("skipping chunk after failed generations",
				"chunk", chunk.ID, "error", err)
			continue
		}
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	state := &quizState{
		questions: questions,
		byID:      make(map[string]*question, len(questions)),
	}
	for _, q := range questions {
		state.byID[q.id] = q
	}

	g.mu.Lock()
	g.active[sessionID] = state
	g.mu.Unlock()

	g.logger.Info("quiz started",
		"session", sessionID, "questions", len(questions), "requested", count)
	return state.views(), nil
}

// Answer scores one option for a question. Each question accepts exactly
// one answer.
func (g *Generator) Answer(sessionID, questionID string, option int) (AnswerResult, error) {
	if option < 0 || option >= optionCount {
		return AnswerResult{}, ErrInvalidOption
	}
	state, err := g.state(sessionID)
	if err != nil {
		return AnswerResult{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	q, ok := state.byID[questionID]
	if !ok {
		return AnswerResult{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if q.answered {
		return AnswerResult{}, fmt.Errorf("%w: %s", ErrAlreadyAnswered, questionID)
	}

	q.answered = true
	state.answered++
	correct := option == q.correct
	if correct {
		state.score++
	}
	return AnswerResult{
		Correct:       correct,
		CorrectOption: q.correct,
		Score:         state.score,
		Answered:      state.answered,
	}, nil
}

// End closes the session's quiz and returns the tally. The percentage is
// over answered questions and zero when none were answered.
func (g *Generator) End(sessionID string) (Summary, error) {
	g.mu.Lock()
	state, ok := g.active[sessionID]
	delete(g.active, sessionID)
	g.mu.Unlock()
	if !ok {
		return Summary{}, ErrNoActiveQuiz
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	s := Summary{
		Total:    len(state.questions),
		Answered: state.answered,
		Score:    state.score,
	}
	if s.Answered > 0 {
		s.Percent = float64(s.Score) / float64(s.Answered) * 100
	}
	return s, nil
}

// Active returns the current quiz's questions, when one exists.
func (g *Generator) Active(sessionID string) ([]View, bool) {
	state, err := g.state(sessionID)
	if err != nil {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.views(), true
}

// Clear drops the session's quiz without a tally, if one exists.
func (g *Generator) Clear(sessionID string) {
	g.mu.Lock()
	delete(g.active, sessionID)
	g.mu.Unlock()
}

func (g *Generator) state(sessionID string) (*quizState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.active[sessionID]
	if !ok {
		return nil, ErrNoActiveQuiz
	}
	return state, nil
}

func (s *quizState) views() []View {
	views := make([]View, len(s.questions))
	for i, q := range s.questions {
		views[i] = View{ID: q.id, Stem: q.stem, Options: q.options, Answered: q.answered}
	}
	return views
}

func (g *Generator) generateQuestion(ctx context.Context, chunk vectorstore.Entry) (*question, error) {
	prompt := buildQuestionPrompt(chunk.Text)

	var lastErr error
	for attempt := 1; attempt <= g.maxGenAttempts; attempt++ {
		var payload questionPayload
		if err := g.llm.GenerateStructured(ctx, prompt, &payload); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		q, err := payload.toQuestion(chunk.ID)
		if err != nil {
			g.logger.Debug("generated question failed validation",
				"chunk", chunk.ID, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return q, nil
	}
	return nil, lastErr
}

// questionPayload is the JSON shape the model is asked to produce.
type questionPayload struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

var optionLetters = [optionCount]string{"A", "B", "C", "D"}

// toQuestion validates the payload: non-empty stem, exactly four textually
// distinct options, and a correct answer letter within range.
func (p questionPayload) toQuestion(chunkID string) (*question, error) {
	stem := strings.TrimSpace(p.Question)
	if stem == "" {
		return nil, errors.New("empty question stem")
	}
	if len(p.Options) != optionCount {
		return nil, fmt.Errorf("got %d options, want %d", len(p.Options), optionCount)
	}

	q := &question{
		id:      uuid.NewString(),
		chunkID: chunkID,
		stem:    stem,
		correct: -1,
	}
	seen := make(map[string]bool, optionCount)
	for i, raw := range p.Options {
		text := strings.TrimSpace(stripOptionLabel(raw))
		if text == "" {
			return nil, fmt.Errorf("option %d is empty", i)
		}
		if seen[text] {
			return nil, fmt.Errorf("duplicate option %q", text)
		}
		seen[text] = true
		q.options[i] = text
	}

	letter := strings.ToUpper(strings.TrimSpace(p.CorrectAnswer))
	for i, l := range optionLetters {
		if letter == l {
			q.correct = i
			break
		}
	}
	if q.correct < 0 {
		return nil, fmt.Errorf("correct answer %q is not one of A-D", p.CorrectAnswer)
	}
	return q, nil
}

// stripOptionLabel removes a leading "A) " style label when the model
// includes one despite the options already being positional.
func stripOptionLabel(option string) string {
	trimmed := strings.TrimSpace(option)
	if len(trimmed) >= 2 && trimmed[1] == ')' {
		switch trimmed[0] {
		case 'A', 'B', 'C', 'D', 'a', 'b', 'c', 'd':
			return trimmed[2:]
		}
	}
	return trimmed
}

func buildQuestionPrompt(context string) string {
	return fmt.Sprintf(`Based on the following context, generate a single multiple-choice question.
The question should test understanding of the key information in the text.

Context:
%q

Respond with a JSON object with these keys:
- "question": a string containing the question.
- "options": a list of 4 strings representing the choices, labeled A, B, C, D.
- "correct_answer": the letter of the correct option (e.g. "A").

Do not include any text outside the JSON object.`, context)
}
