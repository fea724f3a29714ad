package document

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Type identifies the source format of an ingested document.
type Type string

// Supported source formats.
const (
	TypePDF Type = "pdf"
	TypeTXT Type = "txt"
)

// Document is the immutable record of one ingested source.
// Identity derives from the extracted content, so re-ingesting identical
// content always produces the same ID.
type Document struct {
	ID         string
	Source     string // original path or name, informational only
	Type       Type
	Text       string // normalized extracted text
	Pages      int    // PDF page count, 0 for TXT
	IngestedAt time.Time
}

// Chunk is a bounded contiguous span of a document's normalized text.
// (DocumentID, Seq) is the stable logical identity; ID is its hash.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Text       string
	Start      int // rune offset into the document text, inclusive
	End        int // rune offset, exclusive
	Size       int // configured max chunk size at ingestion time
	Overlap    int // configured overlap at ingestion time
}

// DocumentID derives the content-addressed identity of a document.
func DocumentID(typ Type, normalizedText string) string {
	h := sha256.New()
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write([]byte(normalizedText))
	return "doc_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// ChunkID derives the stable identity of a chunk from its document and
// sequence index.
func ChunkID(documentID string, seq int) string {
	h := sha256.Sum256([]byte(documentID + ":" + strconv.Itoa(seq)))
	return "chunk_" + hex.EncodeToString(h[:])[:32]
}
