package parser

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Source is a document handed to a parser: a name (used for citations,
// image file names and format selection) and its bytes.
type Source struct {
	Name string
	R    io.Reader
}

// Parser turns a document into an ordered, lazy sequence of pages. The
// sequence does no work until it is ranged and can be ranged once. A fatal
// error is yielded as the only element with a nil page.
type Parser interface {
	Parse(ctx context.Context, src Source) iter.Seq2[*Page, error]
	Formats() []string
}

// Recognizer is the external layout/OCR service. It receives one document
// and returns one RecognizedPage per page, in page order.
type Recognizer interface {
	Recognize(ctx context.Context, doc RemoteDocument) ([]RecognizedPage, error)
}

// RemoteDocument is the payload of a recognizer call.
type RemoteDocument struct {
	Name      string
	MIMEType  string
	Data      []byte
	PageCount int // 0 when unknown (spreadsheets, images)
}

// RecognizedPage is the recognizer's view of one submitted page.
type RecognizedPage struct {
	Text    string
	Tables  []string
	Figures []RecognizedFigure
}

// RecognizedFigure is a figure cropped by the recognizer. BBox is
// normalized to the page (x0, y0, x1, y1).
type RecognizedFigure struct {
	ID       string
	Title    string
	Data     []byte
	MIMEType string
	BBox     [4]float64
}

// PDFMode selects how PDFs are routed.
type PDFMode int

const (
	// PDFRemote sends whole PDFs to the recognizer.
	PDFRemote PDFMode = iota
	// PDFHybrid triages each page and escalates only the ones that need it.
	PDFHybrid
	// PDFLocal never calls the recognizer.
	PDFLocal
)

func (m PDFMode) String() string {
	switch m {
	case PDFHybrid:
		return "hybrid"
	case PDFLocal:
		return "local"
	default:
		return "remote"
	}
}

// ResolvePDFMode maps the two configuration toggles onto a mode. The
// local-only toggle wins over hybrid.
func ResolvePDFMode(useHybrid, localOnly bool) PDFMode {
	switch {
	case localOnly:
		return PDFLocal
	case useHybrid:
		return PDFHybrid
	default:
		return PDFRemote
	}
}

// Options configures the parsers built by NewRegistry.
type Options struct {
	Logger        *slog.Logger
	PDFMode       PDFMode
	Triage        TriageConfig
	Images        ImageOptions
	DOCXPageChars int
	Recognizer    Recognizer
	Subsetter     Subsetter
}

// DefaultOptions returns hybrid PDF routing with the stock thresholds.
func DefaultOptions() Options {
	return Options{
		PDFMode:       PDFHybrid,
		Triage:        DefaultTriageConfig(),
		Images:        DefaultImageOptions(),
		DOCXPageChars: DefaultDOCXPageChars,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Collect drains a page sequence, stopping at the first error.
func Collect(seq iter.Seq2[*Page, error]) ([]*Page, error) {
	var pages []*Page
	for p, err := range seq {
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// singleUse wraps a producer so that a second range yields
// ErrSequenceConsumed instead of re-reading the source.
func singleUse(produce func(yield func(*Page, error) bool)) iter.Seq2[*Page, error] {
	var used atomic.Bool
	return func(yield func(*Page, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrSequenceConsumed)
			return
		}
		produce(yield)
	}
}

// fromSlice yields already built pages, or err alone.
func fromSlice(build func() ([]*Page, error)) iter.Seq2[*Page, error] {
	return singleUse(func(yield func(*Page, error) bool) {
		pages, err := build()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, p := range pages {
			if !yield(p, nil) {
				return
			}
		}
	})
}

// readSource rewinds a seekable reader and reads the whole document once.
// Every later phase replays from the returned buffer.
func readSource(src Source) ([]byte, error) {
	if src.R == nil {
		return nil, fmt.Errorf("%s: no reader", src.Name)
	}
	if s, ok := src.R.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%s: rewinding: %w", src.Name, err)
		}
	}
	data, err := io.ReadAll(src.R)
	if err != nil {
		return nil, fmt.Errorf("%s: reading: %w", src.Name, err)
	}
	return data, nil
}

// FormatOf returns the lowercase extension of name without the dot.
func FormatOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
