// Package workflow implements the chat pipeline as an explicit state
// machine: Retrieve, Augment, Generate, UpdateMemory, Respond. The node set
// and the transition table are fixed at compile time; Send walks the table
// for every message.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sage-tutor/sage/internal/log"
	"github.com/sage-tutor/sage/internal/session"
	"github.com/sage-tutor/sage/internal/vectorstore"
)

// Node identifies one step of the pipeline.
type Node string

// Pipeline nodes, in execution order.
const (
	NodeRetrieve     Node = "retrieve"
	NodeAugment      Node = "augment"
	NodeGenerate     Node = "generate"
	NodeUpdateMemory Node = "update_memory"
	NodeRespond      Node = "respond"
)

// Transitions is the pipeline's transition table. NodeRespond has no
// successor; reaching it ends the walk.
var Transitions = map[Node]Node{
	NodeRetrieve:     NodeAugment,
	NodeAugment:      NodeGenerate,
	NodeGenerate:     NodeUpdateMemory,
	NodeUpdateMemory: NodeRespond,
}

var (
	// ErrGenerationFailure indicates the generation retry budget was
	// exhausted. The session is left untouched.
	ErrGenerationFailure = errors.New("workflow: generation failed")

	// ErrEmptyMessage indicates a blank user message.
	ErrEmptyMessage = errors.New("workflow: empty message")

	// ErrClosed indicates Send was called after Close.
	ErrClosed = errors.New("workflow: engine closed")
)

// FallbackResponse is returned when neither store yields any context for a
// message. The generation client is not called in that case and no turns
// are recorded.
const FallbackResponse = "I don't have any material to draw on for that yet. " +
	"Upload a document or keep the conversation going so I have context to work with."

// Warnings attached to a degraded (single-store) exchange.
const (
	WarnKnowledgeUnavailable = "knowledge base unavailable, answering from conversation memory only"
	WarnMemoryUnavailable    = "conversation memory unavailable, answering from the knowledge base only"
)

// Retriever is the slice of the vector store manager the engine needs.
type Retriever interface {
	Query(ctx context.Context, store vectorstore.Store, text string, k int) ([]vectorstore.Match, error)
	Add(ctx context.Context, store vectorstore.Store, entries []vectorstore.Entry) error
}

// Generator produces a reply for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RetryPolicy bounds generation retries. Backoff doubles per attempt up to
// MaxBackoff; a per-attempt timeout expiry counts as one failed attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Result is a completed exchange.
type Result struct {
	SessionID string
	Reply     string
	Fallback  bool
	Warnings  []string
	Context   []vectorstore.Match
}

// MemoryWriteStatus reports the health of the asynchronous memory writer.
type MemoryWriteStatus struct {
	Pending   int
	Failed    int
	LastError string
}

// Engine runs the pipeline. Safe for concurrent use; exchanges within one
// session are serialized by the session's handling lock.
type Engine struct {
	retriever Retriever
	generator Generator
	logger    log.Logger

	knowledgeK int
	memoryK    int
	budget     int
	counter    TokenCounter
	retry      RetryPolicy
	retryable  func(error) bool
	limiter    *rate.Limiter
	genTimeout time.Duration

	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	memStatus MemoryWriteStatus
}

// Option configures an Engine.
type Option func(*Engine)

// WithTopK sets how many results each store contributes to retrieval.
func WithTopK(knowledge, memory int) Option {
	return func(e *Engine) { e.knowledgeK, e.memoryK = knowledge, memory }
}

// WithTokenBudget caps the assembled prompt's token count.
func WithTokenBudget(budget int) Option {
	return func(e *Engine) { e.budget = budget }
}

// WithTokenCounter overrides the token counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithRetryPolicy overrides the generation retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithRetryClassifier sets the predicate deciding whether a generation
// error is worth retrying.
func WithRetryClassifier(f func(error) bool) Option {
	return func(e *Engine) { e.retryable = f }
}

// WithRateLimit throttles generation attempts.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(r, burst) }
}

// WithGenerateTimeout sets the per-attempt generation timeout.
func WithGenerateTimeout(d time.Duration) Option {
	return func(e *Engine) { e.genTimeout = d }
}

// NewEngine wires the pipeline to its retriever and generator.
func NewEngine(retriever Retriever, generator Generator, logger log.Logger, opts ...Option) *Engine {
	e := &Engine{
		retriever:  retriever,
		generator:  generator,
		logger:     logger,
		knowledgeK: 3,
		memoryK:    5,
		budget:     2048,
		counter:    NewTokenCounter(),
		retry:      RetryPolicy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second},
		retryable:  func(error) bool { return true },
		limiter:    rate.NewLimiter(rate.Inf, 0),
		genTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// exchange is the mutable state threaded through one pipeline walk.
type exchange struct {
	query    string
	session  *session.Session
	matches  []vectorstore.Match
	warnings []string
	prompt   string
	reply    string
	fallback bool
}

// Send runs one message through the pipeline. On success the session gains
// exactly one user/assistant turn pair; on any error it gains none. The
// memory upsert happens asynchronously after the reply is committed.
func (e *Engine) Send(ctx context.Context, sess *session.Session, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, ErrClosed
	}
	e.mu.Unlock()

	sess.Lock()
	defer sess.Unlock()

	ex := &exchange{query: text, session: sess}
	for node := NodeRetrieve; ; {
		if err := e.step(ctx, node, ex); err != nil {
			return Result{}, err
		}
		if ex.fallback {
			break
		}
		next, ok := Transitions[node]
		if !ok {
			break
		}
		node = next
	}

	if ex.fallback {
		return Result{SessionID: sess.ID, Reply: FallbackResponse, Fallback: true}, nil
	}
	return Result{
		SessionID: sess.ID,
		Reply:     ex.reply,
		Warnings:  ex.warnings,
		Context:   ex.matches,
	}, nil
}

func (e *Engine) step(ctx context.Context, node Node, ex *exchange) error {
	switch node {
	case NodeRetrieve:
		return e.retrieve(ctx, ex)
	case NodeAugment:
		ex.prompt = e.augment(ex.matches, ex.query)
		return nil
	case NodeGenerate:
		reply, err := e.generate(ctx, ex.prompt)
		if err != nil {
			return err
		}
		ex.reply = reply
		return nil
	case NodeUpdateMemory:
		e.updateMemory(ctx, ex)
		return nil
	case NodeRespond:
		return nil
	default:
		return fmt.Errorf("workflow: unknown node %q", node)
	}
}

// retrieve queries both stores and merges their results into one ranked
// list. A single unreachable store degrades the exchange with a warning;
// both unreachable fails it.
func (e *Engine) retrieve(ctx context.Context, ex *exchange) error {
	kbMatches, kbErr := e.retriever.Query(ctx, vectorstore.StoreKnowledge, ex.query, e.knowledgeK)
	memMatches, memErr := e.retriever.Query(ctx, vectorstore.StoreMemory, ex.query, e.memoryK)

	if kbErr != nil && memErr != nil {
		return fmt.Errorf("%w: knowledge: %v; memory: %v", vectorstore.ErrStorageIO, kbErr, memErr)
	}
	if kbErr != nil {
		e.logger.Warn("knowledge store unavailable", "error", kbErr)
		ex.warnings = append(ex.warnings, WarnKnowledgeUnavailable)
	}
	if memErr != nil {
		e.logger.Warn("memory store unavailable", "error", memErr)
		ex.warnings = append(ex.warnings, WarnMemoryUnavailable)
	}

	ex.matches = mergeMatches(kbMatches, memMatches)
	if len(ex.matches) == 0 {
		e.logger.Info("no retrieval context, returning fallback", "session", ex.session.ID)
		ex.fallback = true
	}
	return nil
}

// mergeMatches combines both stores' results, dedups by entry ID keeping
// the higher similarity, and re-ranks with the same deterministic ordering
// the stores use.
func mergeMatches(a, b []vectorstore.Match) []vectorstore.Match {
	best := make(map[string]vectorstore.Match, len(a)+len(b))
	for _, m := range append(append([]vectorstore.Match{}, a...), b...) {
		if prev, ok := best[m.Entry.ID]; !ok || m.Similarity > prev.Similarity {
			best[m.Entry.ID] = m
		}
	}
	merged := make([]vectorstore.Match, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Entry.ID < merged[j].Entry.ID
	})
	return merged
}

// generate calls the generation client under the retry policy. Each attempt
// waits on the rate limiter and runs under its own timeout.
func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	backoff := e.retry.InitialBackoff
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.genTimeout)
		reply, err := e.generator.Generate(attemptCtx, prompt)
		cancel()
		if err == nil && strings.TrimSpace(reply) != "" {
			return reply, nil
		}
		if err == nil {
			err = errors.New("empty reply")
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !e.retryable(err) || attempt == e.retry.MaxAttempts {
			break
		}
		e.logger.Debug("generation attempt failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, e.retry.MaxBackoff)
	}
	return "", fmt.Errorf("%w: after %d attempts: %v", ErrGenerationFailure, e.retry.MaxAttempts, lastErr)
}

// updateMemory commits the turn pair to the session and hands the memory
// upsert to a tracked goroutine. The write is detached from the request
// context: a caller hanging up after Generate succeeded must not lose the
// turn pair.
func (e *Engine) updateMemory(ctx context.Context, ex *exchange) {
	userTurn := ex.session.Append(session.RoleUser, ex.query)
	assistantTurn := ex.session.Append(session.RoleAssistant, ex.reply)

	entries := []vectorstore.Entry{
		turnEntry(ex.session.ID, userTurn),
		turnEntry(ex.session.ID, assistantTurn),
	}

	// The WaitGroup add happens under the same lock Close uses to set the
	// closed flag, so a write is either registered before Close starts
	// draining or performed synchronously here.
	e.mu.Lock()
	closed := e.closed
	e.memStatus.Pending++
	if !closed {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	if closed {
		defer cancel()
		e.persistTurns(writeCtx, ex.session.ID, entries)
		return
	}
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.persistTurns(writeCtx, ex.session.ID, entries)
	}()
}

func (e *Engine) persistTurns(ctx context.Context, sessionID string, entries []vectorstore.Entry) {
	err := e.retriever.Add(ctx, vectorstore.StoreMemory, entries)

	e.mu.Lock()
	e.memStatus.Pending--
	if err != nil {
		e.memStatus.Failed++
		e.memStatus.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("memory write failed", "session", sessionID, "error", err)
	}
}

// MemoryWriteStatus reports pending and failed asynchronous memory writes.
func (e *Engine) MemoryWriteStatus() MemoryWriteStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memStatus
}

// Close stops accepting messages and drains in-flight memory writes.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// turnEntry builds the memory store entry for a turn. The ID hashes the
// session ID and turn index, so re-writing the same turn is idempotent.
func turnEntry(sessionID string, turn session.Turn) vectorstore.Entry {
	h := sha256.Sum256([]byte(sessionID + ":" + strconv.Itoa(turn.Index)))
	return vectorstore.Entry{
		ID:   "turn_" + hex.EncodeToString(h[:])[:32],
		Kind: vectorstore.KindTurn,
		Text: string(turn.Role) + ": " + turn.Text,
		Metadata: map[string]string{
			vectorstore.MetaSourceType: "conversation",
			vectorstore.MetaSessionID:  sessionID,
			vectorstore.MetaRole:       string(turn.Role),
			vectorstore.MetaTurnIndex:  strconv.Itoa(turn.Index),
		},
		CreatedAt: turn.CreatedAt,
	}
}
