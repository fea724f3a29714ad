// Package testutil provides shared testing utilities: deterministic fake
// embedders, a scriptable generator, and a PostgreSQL test container helper.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// HashEmbedder is a deterministic Embedder for tests. Each text maps to a
// unit vector derived from its SHA-256 digest, so identical texts always
// embed identically and distinct texts almost never collide.
type HashEmbedder struct {
	Dim     int
	Version string

	mu    sync.Mutex
	calls int
}

// NewHashEmbedder returns a HashEmbedder producing dim-length vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim, Version: "test-embed-v1"}
}

// Embed derives one vector per text.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

// EmbedModelVersion reports the fake model identifier.
func (h *HashEmbedder) EmbedModelVersion() string { return h.Version }

// Calls reports how many Embed invocations have happened.
func (h *HashEmbedder) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashEmbedder) vector(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, h.Dim)
	var norm float64
	for i := range vec {
		// Stretch the digest by re-hashing with the component index.
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(i))
		d := sha256.Sum256(append(digest[:], buf[:]...))
		v := float32(int32(binary.BigEndian.Uint32(d[:4]))) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// FlakyEmbedder wraps an Embedder and fails the first FailFirst calls with
// Err before delegating. Useful for exercising retry paths.
type FlakyEmbedder struct {
	Inner interface {
		Embed(ctx context.Context, texts []string) ([][]float32, error)
		EmbedModelVersion() string
	}
	FailFirst int
	Err       error

	mu    sync.Mutex
	calls int
}

// Embed fails until the failure budget is spent, then delegates.
func (f *FlakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.FailFirst
	f.mu.Unlock()

	if fail {
		return nil, f.Err
	}
	return f.Inner.Embed(ctx, texts)
}

// EmbedModelVersion delegates to the wrapped embedder.
func (f *FlakyEmbedder) EmbedModelVersion() string { return f.Inner.EmbedModelVersion() }

// Calls reports how many Embed invocations have happened.
func (f *FlakyEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
