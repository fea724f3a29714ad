// Package assistant is the facade the CLI talks to. It owns the session
// store and ties together ingestion, the chat pipeline, and quizzes.
package assistant

import (
	"context"
	"errors"

	"github.com/sage-tutor/sage/internal/config"
	"github.com/sage-tutor/sage/internal/document"
	"github.com/sage-tutor/sage/internal/ingest"
	"github.com/sage-tutor/sage/internal/log"
	"github.com/sage-tutor/sage/internal/mistral"
	"github.com/sage-tutor/sage/internal/quiz"
	"github.com/sage-tutor/sage/internal/session"
	"github.com/sage-tutor/sage/internal/vectorstore"
	"github.com/sage-tutor/sage/internal/workflow"
)

// Status is the assistant's view of the indexed state.
type Status struct {
	KnowledgeChunks int
	ByType          map[string]int
	MemoryTurns     int
	Sessions        int
	MemoryWrites    workflow.MemoryWriteStatus
}

// Assistant exposes the system's operations to a presentation layer.
type Assistant struct {
	sessions *session.Store
	manager  *vectorstore.Manager
	engine   *workflow.Engine
	quizzes  *quiz.Generator
	ingester *ingest.Service
	logger   log.Logger
}

// New assembles an assistant from already-built components.
func New(manager *vectorstore.Manager, engine *workflow.Engine, quizzes *quiz.Generator,
	ingester *ingest.Service, logger log.Logger) *Assistant {
	return &Assistant{
		sessions: session.NewStore(),
		manager:  manager,
		engine:   engine,
		quizzes:  quizzes,
		ingester: ingester,
		logger:   logger,
	}
}

// FromConfig builds the full stack: Mistral client, vector stores, chat
// engine, quiz generator, and ingestion service.
func FromConfig(ctx context.Context, cfg *config.Config, logger log.Logger) (*Assistant, error) {
	client, err := mistral.New(mistral.Config{
		APIKey:      cfg.MistralAPIKey,
		ChatModel:   cfg.ChatModel,
		EmbedModel:  cfg.EmbedModel,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	manager, err := vectorstore.Open(ctx, vectorstore.OpenOptions{
		Backend:     cfg.Backend,
		DataDir:     cfg.DataDir,
		PostgresDSN: cfg.PostgresDSN,
		EmbedDim:    cfg.EmbedDim,
	}, client, logger,
		vectorstore.WithRetryPolicy(vectorstore.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}),
		vectorstore.WithRetryClassifier(mistral.Retryable),
	)
	if err != nil {
		return nil, err
	}

	engine := workflow.NewEngine(manager, &generatorAdapter{client: client}, logger,
		workflow.WithTopK(cfg.KnowledgeK, cfg.MemoryK),
		workflow.WithTokenBudget(cfg.PromptTokenBudget),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}),
		workflow.WithRetryClassifier(mistral.Retryable),
		workflow.WithGenerateTimeout(cfg.GenerateTimeout),
	)

	quizzes := quiz.NewGenerator(manager, client, logger)
	processor := document.NewProcessor(cfg.ChunkSize, cfg.ChunkOverlap)
	ingester := ingest.NewService(processor, manager, logger)

	return New(manager, engine, quizzes, ingester, logger), nil
}

// generatorAdapter narrows the Mistral client to the engine's Generator.
type generatorAdapter struct {
	client *mistral.Client
}

func (a *generatorAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.client.Generate(ctx, prompt, mistral.GenerateOptions{})
}

// IngestDocument processes and indexes one file.
func (a *Assistant) IngestDocument(ctx context.Context, path string) (ingest.FileReport, error) {
	return a.ingester.IngestFile(ctx, path)
}

// BulkIngest starts a background run over a directory. An empty type list
// ingests every supported file.
func (a *Assistant) BulkIngest(ctx context.Context, dir string, types ...document.Type) *ingest.Run {
	return a.ingester.Start(ctx, dir, types...)
}

// WatchUploads ingests files as they land in dir until ctx is cancelled.
func (a *Assistant) WatchUploads(ctx context.Context, dir string) error {
	return a.ingester.Watch(ctx, dir)
}

// Status reports the indexed state of both stores.
func (a *Assistant) Status(ctx context.Context) (Status, error) {
	knowledge, memory, err := a.manager.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		KnowledgeChunks: knowledge.Count,
		ByType:          knowledge.BySourceType,
		MemoryTurns:     memory.Count,
		Sessions:        a.sessions.Len(),
		MemoryWrites:    a.engine.MemoryWriteStatus(),
	}, nil
}

// SendMessage runs one chat exchange. An empty session ID starts a new
// session; the result carries the ID to continue with.
func (a *Assistant) SendMessage(ctx context.Context, sessionID, text string) (workflow.Result, error) {
	sess := a.sessions.GetOrCreate(sessionID)
	return a.engine.Send(ctx, sess, text)
}

// StartQuiz begins a quiz for the session with up to count questions.
func (a *Assistant) StartQuiz(ctx context.Context, sessionID string, count int) (string, []quiz.View, error) {
	sess := a.sessions.GetOrCreate(sessionID)
	views, err := a.quizzes.Start(ctx, sess.ID, count)
	return sess.ID, views, err
}

// AnswerQuiz scores one option for a question in the session's quiz.
func (a *Assistant) AnswerQuiz(sessionID, questionID string, option int) (quiz.AnswerResult, error) {
	if _, err := a.sessions.Get(sessionID); err != nil {
		return quiz.AnswerResult{}, err
	}
	return a.quizzes.Answer(sessionID, questionID, option)
}

// EndQuiz closes the session's quiz and returns its tally.
func (a *Assistant) EndQuiz(sessionID string) (quiz.Summary, error) {
	if _, err := a.sessions.Get(sessionID); err != nil {
		return quiz.Summary{}, err
	}
	return a.quizzes.End(sessionID)
}

// ClearSession drops the session's conversational state and any active
// quiz. Knowledge base content and previously persisted memory entries are
// untouched.
func (a *Assistant) ClearSession(sessionID string) {
	a.quizzes.Clear(sessionID)
	a.sessions.Clear(sessionID)
	a.logger.Info("session cleared", "session", sessionID)
}

// ResetMemory wipes the conversational memory store.
func (a *Assistant) ResetMemory(ctx context.Context) error {
	return a.manager.Reset(ctx, vectorstore.StoreMemory)
}

// Close drains the chat engine and releases the stores.
func (a *Assistant) Close() error {
	return errors.Join(a.engine.Close(), a.manager.Close())
}
