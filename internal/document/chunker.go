package document

// Chunker splits normalized text into overlapping sliding-window chunks.
//
// Invariants maintained:
//   - sequence indices start at 0 and increment by 1
//   - chunks in sequence order cover the text with no gaps
//   - adjacent chunks share exactly Overlap runes (the final chunk may be
//     shorter than Size but always extends past its predecessor)
//   - every chunk holds at most Size runes
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. Callers validate size/overlap through
// config.Validate; the constructor only guards against a degenerate window.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks the document text and assigns chunk identities.
func (c *Chunker) Split(doc Document) []Chunk {
	runes := []rune(doc.Text)
	if len(runes) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]Chunk, 0, len(runes)/step+1)

	for start, seq := 0, 0; start < len(runes); start, seq = start+step, seq+1 {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, Chunk{
			ID:         ChunkID(doc.ID, seq),
			DocumentID: doc.ID,
			Seq:        seq,
			Text:       string(runes[start:end]),
			Start:      start,
			End:        end,
			Size:       c.size,
			Overlap:    c.overlap,
		})

		if end == len(runes) {
			break
		}
	}

	return chunks
}

// Reassemble reconstructs the original text from chunks in sequence order
// by stripping the shared overlap. It is the inverse of Split and exists
// mainly to let callers verify chunk integrity.
func Reassemble(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	runes := []rune(chunks[0].Text)
	end := chunks[0].End
	for _, ch := range chunks[1:] {
		part := []rune(ch.Text)
		// Skip the prefix already covered by the previous chunk.
		skip := end - ch.Start
		if skip < 0 || skip > len(part) {
			skip = 0
		}
		runes = append(runes, part[skip:]...)
		end = ch.End
	}
	return string(runes)
}
