// Package document extracts text from source documents and splits it into
// overlapping chunks, the unit of indexing and retrieval.
//
// Supported formats are PDF and plain text. PDF extraction shells out to
// poppler's pdftotext after validating the file with pdfcpu; text files are
// read directly. Extracted text is whitespace-normalized before chunking so
// that identical content always hashes to the same document ID.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	// ErrUnsupportedFormat indicates the source is neither PDF nor TXT.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrEmptyDocument indicates extraction produced no text after
	// whitespace normalization.
	ErrEmptyDocument = errors.New("empty document")

	// ErrPDFToolNotFound indicates the pdftotext binary is not installed.
	ErrPDFToolNotFound = errors.New("pdftotext not found in PATH")
)

// InstallInstructions describes how to obtain the PDF extraction tool.
func InstallInstructions() string {
	return "PDF extraction requires poppler's pdftotext:\n" +
		"  macOS:  brew install poppler\n" +
		"  Debian: apt install poppler-utils\n" +
		"  Fedora: dnf install poppler-utils"
}

// CommandRunner executes an external command and returns its stdout.
// Declared by the consumer so tests can substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner is the production CommandRunner backed by os/exec. It reports
// a missing binary as ErrPDFToolNotFound before attempting to run it.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPDFToolNotFound, name)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

// PDFValidator checks a PDF file and reports its page count.
type PDFValidator func(path string) (pages int, err error)

// pdfcpuValidate is the production PDFValidator.
func pdfcpuValidate(path string) (int, error) {
	if err := api.ValidateFile(path, nil); err != nil {
		return 0, err
	}
	return api.PageCountFile(path)
}

// Processor extracts text from PDF and TXT sources and chunks it.
type Processor struct {
	chunker  *Chunker
	runner   CommandRunner
	validate PDFValidator
}

// Option configures the Processor.
type Option func(*Processor)

// WithRunner substitutes the external command runner. Test use.
func WithRunner(r CommandRunner) Option {
	return func(p *Processor) { p.runner = r }
}

// WithPDFValidator substitutes the PDF validation step. Test use.
func WithPDFValidator(v PDFValidator) Option {
	return func(p *Processor) { p.validate = v }
}

// NewProcessor creates a document processor with the given chunking window.
func NewProcessor(chunkSize, chunkOverlap int, opts ...Option) *Processor {
	p := &Processor{
		chunker:  NewChunker(chunkSize, chunkOverlap),
		runner:   execRunner{},
		validate: pdfcpuValidate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseType maps a user-supplied type name to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf":
		return TypePDF, nil
	case "txt", "text":
		return TypeTXT, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// TypeForPath infers the document type from a file extension.
// Returns ErrUnsupportedFormat for anything that is not .pdf or .txt.
func TypeForPath(path string) (Type, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return TypePDF, nil
	case ".txt":
		return TypeTXT, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Process extracts text from the file at path and splits it into chunks.
// The returned document carries a content-derived ID, so processing the
// same content twice yields identical document and chunk IDs.
func (p *Processor) Process(ctx context.Context, path string, typ Type) (Document, []Chunk, error) {
	var (
		text  string
		pages int
		err   error
	)

	switch typ {
	case TypeTXT:
		text, err = p.extractTXT(path)
	case TypePDF:
		text, pages, err = p.extractPDF(ctx, path)
	default:
		return Document{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, typ)
	}
	if err != nil {
		return Document{}, nil, err
	}

	text = NormalizeWhitespace(text)
	if text == "" {
		return Document{}, nil, fmt.Errorf("%w: %s", ErrEmptyDocument, path)
	}

	doc := Document{
		ID:         DocumentID(typ, text),
		Source:     path,
		Type:       typ,
		Text:       text,
		Pages:      pages,
		IngestedAt: time.Now(),
	}
	return doc, p.chunker.Split(doc), nil
}

func (p *Processor) extractTXT(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (p *Processor) extractPDF(ctx context.Context, path string) (string, int, error) {
	// Validate the file before handing it to the extraction tool; pdfcpu
	// rejects corrupt or non-PDF input with a clear error.
	pages, err := p.validate(path)
	if err != nil {
		return "", 0, fmt.Errorf("validate %s: %w", path, err)
	}

	// "-" sends extracted text to stdout.
	out, err := p.runner.Run(ctx, "pdftotext", path, "-")
	if errors.Is(err, ErrPDFToolNotFound) {
		return "", 0, fmt.Errorf("%w\n%s", err, InstallInstructions())
	}
	if err != nil {
		return "", 0, fmt.Errorf("pdftotext %s: %w", path, err)
	}
	return string(out), pages, nil
}

var (
	trailingSpaceRE = regexp.MustCompile(`[ \t]+\n`)
	blankRunRE      = regexp.MustCompile(`\n{3,}`)
	spaceRunRE      = regexp.MustCompile(`[ \t]{2,}`)
)

// NormalizeWhitespace canonicalizes extracted text: CRLF to LF, runs of
// spaces collapsed, trailing line whitespace removed, runs of blank lines
// reduced to one, outer whitespace trimmed.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingSpaceRE.ReplaceAllString(s, "\n")
	s = spaceRunRE.ReplaceAllString(s, " ")
	s = blankRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
