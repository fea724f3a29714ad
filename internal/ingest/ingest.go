// Package ingest moves documents into the knowledge base: single files,
// whole directories as cancellable background runs, and a watch mode that
// picks up files dropped into the uploads directory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sage-tutor/sage/internal/document"
	"github.com/sage-tutor/sage/internal/log"
	"github.com/sage-tutor/sage/internal/vectorstore"
)

// Indexer is the slice of the vector store manager ingestion needs.
type Indexer interface {
	Add(ctx context.Context, store vectorstore.Store, entries []vectorstore.Entry) error
}

// FileReport describes one ingested file.
type FileReport struct {
	Path       string
	DocumentID string
	Type       document.Type
	Chunks     int
	Pages      int
}

// Progress is a snapshot of a directory run. Skipped counts unsupported and
// empty files; Errors counts files whose processing or indexing failed.
type Progress struct {
	Processed int
	Skipped   int
	Errors    int
}

// Service performs ingestion.
type Service struct {
	processor *document.Processor
	indexer   Indexer
	logger    log.Logger
}

// NewService wires a processor to the knowledge base.
func NewService(processor *document.Processor, indexer Indexer, logger log.Logger) *Service {
	return &Service{processor: processor, indexer: indexer, logger: logger}
}

// IngestFile processes one file and upserts its chunks into the knowledge
// base. Chunk IDs are content-addressed, so re-ingesting an unchanged file
// rewrites the same entries and the store gains no duplicates.
func (s *Service) IngestFile(ctx context.Context, path string) (FileReport, error) {
	typ, err := document.TypeForPath(path)
	if err != nil {
		return FileReport{}, err
	}
	doc, chunks, err := s.processor.Process(ctx, path, typ)
	if err != nil {
		return FileReport{}, err
	}

	entries := make([]vectorstore.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = chunkEntry(doc, chunk)
	}
	if err := s.indexer.Add(ctx, vectorstore.StoreKnowledge, entries); err != nil {
		return FileReport{}, fmt.Errorf("index %s: %w", path, err)
	}

	report := FileReport{
		Path:       path,
		DocumentID: doc.ID,
		Type:       doc.Type,
		Chunks:     len(chunks),
		Pages:      doc.Pages,
	}
	s.logger.Info("document ingested",
		"path", path, "document", doc.ID, "type", string(doc.Type), "chunks", len(chunks))
	return report, nil
}

func chunkEntry(doc document.Document, chunk document.Chunk) vectorstore.Entry {
	return vectorstore.Entry{
		ID:   chunk.ID,
		Kind: vectorstore.KindChunk,
		Text: chunk.Text,
		Metadata: map[string]string{
			vectorstore.MetaSourceType: string(doc.Type),
			vectorstore.MetaDocumentID: doc.ID,
			vectorstore.MetaFilename:   filepath.Base(doc.Source),
			vectorstore.MetaSeq:        strconv.Itoa(chunk.Seq),
		},
		CreatedAt: doc.IngestedAt,
	}
}

// Run is a directory ingestion in flight.
type Run struct {
	mu       sync.Mutex
	progress Progress
	done     chan struct{}
	err      error
}

// Progress returns a point-in-time snapshot.
func (r *Run) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns the final tally. A
// cancelled run returns the context error; chunks committed before the
// cancellation stay in the store and a re-run resumes idempotently.
func (r *Run) Wait() (Progress, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress, r.err
}

// Start walks dir in the background, ingesting every supported file. When
// types are given, only files of those types are ingested; everything else
// counts as skipped.
func (s *Service) Start(ctx context.Context, dir string, types ...document.Type) *Run {
	run := &Run{done: make(chan struct{})}
	filter := make(map[document.Type]bool, len(types))
	for _, typ := range types {
		filter[typ] = true
	}
	go func() {
		defer close(run.done)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(filter) > 0 {
				if typ, err := document.TypeForPath(path); err != nil || !filter[typ] {
					s.logger.Debug("skipping file outside type filter", "path", path)
					run.mu.Lock()
					run.progress.Skipped++
					run.mu.Unlock()
					return nil
				}
			}
			s.ingestInto(ctx, run, path)
			return ctx.Err()
		})

		run.mu.Lock()
		run.err = err
		run.mu.Unlock()
	}()
	return run
}

func (s *Service) ingestInto(ctx context.Context, run *Run, path string) {
	_, err := s.IngestFile(ctx, path)

	run.mu.Lock()
	defer run.mu.Unlock()
	switch {
	case err == nil:
		run.progress.Processed++
	case errors.Is(err, document.ErrUnsupportedFormat), errors.Is(err, document.ErrEmptyDocument):
		s.logger.Debug("skipping file", "path", path, "reason", err)
		run.progress.Skipped++
	default:
		s.logger.Warn("ingestion failed", "path", path, "error", err)
		run.progress.Errors++
	}
}

// settle is how long Watch waits after the last write event before
// ingesting, so partially copied files are not picked up mid-write.
const settle = 500 * time.Millisecond

// Watch ingests files as they appear in dir, until ctx is cancelled.
func (s *Service) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", dir, err)
	}
	s.logger.Info("watching for uploads", "dir", dir)

	pending := make(map[string]*time.Timer)
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		for _, timer := range pending {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, err := document.TypeForPath(event.Name); err != nil {
				continue
			}
			path := event.Name
			mu.Lock()
			if timer, ok := pending[path]; ok {
				timer.Reset(settle)
			} else {
				pending[path] = time.AfterFunc(settle, func() {
					mu.Lock()
					delete(pending, path)
					mu.Unlock()
					if ctx.Err() != nil {
						return
					}
					if _, err := s.IngestFile(ctx, path); err != nil {
						s.logger.Warn("upload ingestion failed", "path", path, "error", err)
					}
				})
			}
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}
