package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	// ErrStorageIO indicates the underlying index storage is unreachable
	// or failed mid-operation.
	ErrStorageIO = errors.New("vector store: storage I/O failure")

	// ErrEmbeddingFailure indicates the embedding client failed after its
	// retry budget was exhausted.
	ErrEmbeddingFailure = errors.New("vector store: embedding failure")

	// ErrModelMismatch indicates an entry's embedding model version or
	// dimensionality differs from what the index already holds.
	ErrModelMismatch = errors.New("vector store: embedding model mismatch")

	// ErrInvalidEntry indicates an entry is missing its ID or text.
	ErrInvalidEntry = errors.New("vector store: invalid entry")
)

// Kind distinguishes what an index entry represents.
type Kind string

// Entry kinds.
const (
	KindChunk Kind = "chunk" // a document chunk (knowledge base)
	KindTurn  Kind = "turn"  // a conversation turn (memory)
)

// Metadata keys shared across the system.
const (
	MetaSourceType = "source_type" // "pdf" | "txt" | "conversation"
	MetaDocumentID = "document_id"
	MetaFilename   = "filename"
	MetaSeq        = "seq"
	MetaSessionID  = "session_id"
	MetaRole       = "role"
	MetaTurnIndex  = "turn_index"
)

// Entry pairs a piece of content with its embedding. ID is the stable hash
// of the content's logical identity, which makes every write idempotent.
type Entry struct {
	ID           string
	Kind         Kind
	Text         string
	Metadata     map[string]string
	Vector       []float32
	ModelVersion string
	CreatedAt    time.Time
}

// Validate checks the fields every entry must carry before indexing.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: entry %s has no text", ErrInvalidEntry, e.ID)
	}
	if e.Kind != KindChunk && e.Kind != KindTurn {
		return fmt.Errorf("%w: entry %s has kind %q", ErrInvalidEntry, e.ID, e.Kind)
	}
	return nil
}

// Match is a search hit with its cosine similarity to the query.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Status is a point-in-time snapshot of an index.
type Status struct {
	Count        int
	BySourceType map[string]int
}

// Index is the storage contract shared by the knowledge base and memory
// stores. Implementations must allow concurrent readers alongside a single
// writer and must write each entry atomically.
type Index interface {
	// Upsert writes entries, replacing any existing entry with the same ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns the k entries most similar to the query vector,
	// ordered by descending cosine similarity with ties broken by
	// ascending ID. Fewer than k results are returned when the index
	// holds fewer entries.
	Search(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Status reports entry counts broken down by source type.
	Status(ctx context.Context) (Status, error)

	// List returns up to limit entries of the given kind, ordered by ID.
	List(ctx context.Context, kind Kind, limit int) ([]Entry, error)

	// DeleteAll removes every entry.
	DeleteAll(ctx context.Context) error

	// Close releases the index's resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. Mismatched or zero-length input yields 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankMatches sorts matches by descending similarity, breaking ties by
// ascending entry ID so that repeated queries over identical state return
// identical orderings, and truncates to k.
func rankMatches(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
