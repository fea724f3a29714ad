package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/sage-tutor/sage/internal/testutil"
)

func TestPostgresIndexIntegration(t *testing.T) {
	db, cleanup := testutil.SetupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	idx, err := OpenPostgres(ctx, db.ConnStr, "entries_knowledge", 3)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer idx.Close()

	entries := []Entry{
		chunkEntry("chunk_b", "same", []float32{1, 0, 0}),
		chunkEntry("chunk_a", "same", []float32{1, 0, 0}),
		chunkEntry("chunk_c", "other", []float32{0, 1, 0}),
	}
	if err := idx.Upsert(ctx, entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Repeat to confirm idempotency.
	if err := idx.Upsert(ctx, entries); err != nil {
		t.Fatalf("repeated Upsert: %v", err)
	}

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	// chunk_a and chunk_b tie on similarity; ascending ID breaks the tie.
	if matches[0].Entry.ID != "chunk_a" || matches[1].Entry.ID != "chunk_b" {
		t.Errorf("tie-break order = %s, %s; want chunk_a, chunk_b",
			matches[0].Entry.ID, matches[1].Entry.ID)
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("exact match similarity = %v, want ~1.0", matches[0].Similarity)
	}

	st, err := idx.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Count != 3 || st.BySourceType["txt"] != 3 {
		t.Errorf("status = %+v, want 3 txt entries", st)
	}

	wrongDim := chunkEntry("chunk_d", "bad", []float32{1, 0})
	if err := idx.Upsert(ctx, []Entry{wrongDim}); !errors.Is(err, ErrModelMismatch) {
		t.Errorf("dimension mismatch: got %v, want ErrModelMismatch", err)
	}

	if err := idx.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	st, err = idx.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Count != 0 {
		t.Errorf("count after DeleteAll = %d, want 0", st.Count)
	}
}
