package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/sage-tutor/sage/internal/log"
)

// Store names the two indices the manager maintains. The knowledge base
// holds document chunks and is never evicted; memory holds conversation
// turns and may be cleared per session.
type Store string

// Managed stores.
const (
	StoreKnowledge Store = "knowledge"
	StoreMemory    Store = "memory"
)

// ErrUnknownStore indicates a store name outside the managed pair.
var ErrUnknownStore = errors.New("vector store: unknown store")

// ErrDataDirLocked indicates another process holds the data directory.
var ErrDataDirLocked = errors.New("vector store: data directory in use by another process")

// Embedder turns text into vectors. *mistral.Client satisfies this.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedModelVersion() string
}

// RetryPolicy bounds how embedding calls are retried. Backoff doubles per
// attempt up to MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// BatchError reports a partially committed write: entries that embedded
// successfully were persisted, the rest carry their individual errors.
type BatchError struct {
	Committed int
	Failed    map[string]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("vector store: %d entries committed, %d failed", e.Committed, len(e.Failed))
}

func (e *BatchError) Unwrap() error { return ErrEmbeddingFailure }

// FailedIDs returns the IDs of entries that were not persisted, sorted.
func (e *BatchError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Manager owns the knowledge and memory indices, embeds content on the way
// in, and stamps every entry with the embedding model version so a model
// change is caught rather than silently mixed.
type Manager struct {
	knowledge Index
	memory    Index
	embedder  Embedder
	logger    log.Logger

	retry     RetryPolicy
	retryable func(error) bool
	batchSize int
	lock      *flock.Flock
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the embedding retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithRetryClassifier sets the predicate deciding whether an embedding
// error is worth retrying. Defaults to retrying everything except context
// cancellation.
func WithRetryClassifier(f func(error) bool) Option {
	return func(m *Manager) { m.retryable = f }
}

// WithBatchSize overrides how many texts go into one embedding request.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// withFileLock attaches a held data directory lock released on Close.
func withFileLock(l *flock.Flock) Option {
	return func(m *Manager) { m.lock = l }
}

// NewManager wires the two indices to an embedder.
func NewManager(knowledge, memory Index, embedder Embedder, logger log.Logger, opts ...Option) *Manager {
	m := &Manager{
		knowledge: knowledge,
		memory:    memory,
		embedder:  embedder,
		logger:    logger,
		retry:     DefaultRetryPolicy(),
		retryable: defaultRetryable,
		batchSize: 32,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenOptions selects and locates the storage backend.
type OpenOptions struct {
	Backend     string // "sqlite" or "postgres"
	DataDir     string // sqlite files and the process lock live here
	PostgresDSN string
	EmbedDim    int
}

// Open builds a Manager over the configured backend. For SQLite it also
// takes an exclusive lock on the data directory so two processes cannot
// corrupt the same files.
func Open(ctx context.Context, o OpenOptions, embedder Embedder, logger log.Logger, opts ...Option) (*Manager, error) {
	switch o.Backend {
	case "postgres":
		kb, err := OpenPostgres(ctx, o.PostgresDSN, "entries_knowledge", o.EmbedDim)
		if err != nil {
			return nil, err
		}
		mem, err := OpenPostgres(ctx, o.PostgresDSN, "entries_memory", o.EmbedDim)
		if err != nil {
			kb.Close()
			return nil, err
		}
		return NewManager(kb, mem, embedder, logger, opts...), nil

	case "sqlite":
		if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", ErrStorageIO, err)
		}
		fl := flock.New(filepath.Join(o.DataDir, "sage.lock"))
		held, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %v", ErrStorageIO, err)
		}
		if !held {
			return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, o.DataDir)
		}
		kb, err := OpenSQLite(filepath.Join(o.DataDir, "knowledge.db"))
		if err != nil {
			fl.Unlock()
			return nil, err
		}
		mem, err := OpenSQLite(filepath.Join(o.DataDir, "memory.db"))
		if err != nil {
			kb.Close()
			fl.Unlock()
			return nil, err
		}
		opts = append(opts, withFileLock(fl))
		return NewManager(kb, mem, embedder, logger, opts...), nil

	default:
		return nil, fmt.Errorf("vector store: unsupported backend %q", o.Backend)
	}
}

func (m *Manager) index(store Store) (Index, error) {
	switch store {
	case StoreKnowledge:
		return m.knowledge, nil
	case StoreMemory:
		return m.memory, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}
}

// Add embeds any entries that lack vectors and upserts the batch into the
// named store. When some entries fail to embed, the rest are still
// committed and the returned *BatchError lists the casualties.
func (m *Manager) Add(ctx context.Context, store Store, entries []Entry) error {
	idx, err := m.index(store)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	// Work on a copy: the model-version stamp and embedded vectors must
	// not leak into the caller's slice.
	entries = slices.Clone(entries)
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
		entries[i].ModelVersion = m.embedder.EmbedModelVersion()
	}

	failed := make(map[string]error)
	committed := 0

	for start := 0; start < len(entries); start += m.batchSize {
		end := min(start+m.batchSize, len(entries))
		batch := entries[start:end]

		var pendingTexts []string
		var pendingAt []int
		for i := range batch {
			if len(batch[i].Vector) == 0 {
				pendingTexts = append(pendingTexts, batch[i].Text)
				pendingAt = append(pendingAt, i)
			}
		}
		if len(pendingTexts) > 0 {
			vectors, err := m.embedWithRetry(ctx, pendingTexts)
			if err != nil {
				for _, i := range pendingAt {
					failed[batch[i].ID] = err
				}
				m.logger.Warn("embedding batch failed",
					"store", string(store), "entries", len(pendingAt), "error", err)
				if ctx.Err() != nil {
					break
				}
				continue
			}
			for n, i := range pendingAt {
				batch[i].Vector = vectors[n]
			}
		}

		ready := make([]Entry, 0, len(batch))
		for i := range batch {
			if len(batch[i].Vector) > 0 {
				ready = append(ready, batch[i])
			}
		}
		if err := idx.Upsert(ctx, ready); err != nil {
			return err
		}
		committed += len(ready)
	}

	if len(failed) > 0 {
		return &BatchError{Committed: committed, Failed: failed}
	}
	return nil
}

// Query embeds the query text and searches the named store.
func (m *Manager) Query(ctx context.Context, store Store, text string, k int) ([]Match, error) {
	idx, err := m.index(store)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	vectors, err := m.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: query embedding: %v", ErrEmbeddingFailure, err)
	}
	return idx.Search(ctx, vectors[0], k)
}

// ListKnowledge returns up to limit knowledge base chunks ordered by ID.
func (m *Manager) ListKnowledge(ctx context.Context, limit int) ([]Entry, error) {
	return m.knowledge.List(ctx, KindChunk, limit)
}

// Status reports both stores' snapshots.
func (m *Manager) Status(ctx context.Context) (knowledge, memory Status, err error) {
	knowledge, err = m.knowledge.Status(ctx)
	if err != nil {
		return Status{}, Status{}, err
	}
	memory, err = m.memory.Status(ctx)
	if err != nil {
		return Status{}, Status{}, err
	}
	return knowledge, memory, nil
}

// Reset clears the named stores.
func (m *Manager) Reset(ctx context.Context, stores ...Store) error {
	for _, store := range stores {
		idx, err := m.index(store)
		if err != nil {
			return err
		}
		if err := idx.DeleteAll(ctx); err != nil {
			return err
		}
		m.logger.Info("store reset", "store", string(store))
	}
	return nil
}

// Close closes both indices and releases the data directory lock.
func (m *Manager) Close() error {
	var errs []error
	if err := m.knowledge.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.lock != nil {
		if err := m.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := m.retry.InitialBackoff
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		vectors, err := m.embedder.Embed(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("%w: got %d vectors for %d texts",
					ErrEmbeddingFailure, len(vectors), len(texts))
			}
			return vectors, nil
		}
		lastErr = err
		if !m.retryable(err) || attempt == m.retry.MaxAttempts {
			break
		}
		m.logger.Debug("embedding attempt failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.retry.MaxBackoff)
	}
	return nil, lastErr
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
