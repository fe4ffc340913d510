package parser

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrFormat marks a document whose container is structurally broken.
	ErrFormat = errors.New("parser: malformed document")

	// ErrRemoteService marks a failed call to the external recognizer.
	ErrRemoteService = errors.New("parser: remote recognition failed")

	// ErrUnsupportedFormat is returned for extensions no parser handles.
	ErrUnsupportedFormat = errors.New("parser: unsupported format")

	// ErrRecognizerRequired is returned when a format can only be parsed by
	// the external recognizer and none is configured.
	ErrRecognizerRequired = errors.New("parser: recognizer required for this format")

	// ErrSequenceConsumed is yielded when a page sequence is ranged twice.
	ErrSequenceConsumed = errors.New("parser: page sequence already consumed")
)

// FormatError reports a document that cannot be opened as its declared
// format. No pages are produced for it.
type FormatError struct {
	Document string
	Format   string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: malformed %s: %v", e.Document, e.Format, e.Err)
}

func (e *FormatError) Unwrap() []error { return []error{ErrFormat, e.Err} }

// RemoteServiceError reports a failed recognizer call. Pages lists the
// original page numbers that were submitted.
type RemoteServiceError struct {
	Document string
	Pages    []int
	Err      error
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("%s: remote recognition of %d page(s) failed: %v", e.Document, len(e.Pages), e.Err)
}

func (e *RemoteServiceError) Unwrap() []error { return []error{ErrRemoteService, e.Err} }

// PartialExtractionWarning describes a unit (page, slide, image) that could
// only be partly extracted. It is logged, never returned: the page is kept.
type PartialExtractionWarning struct {
	Document string
	PageNum  int
	Unit     string
	Err      error
}

func (w PartialExtractionWarning) Error() string {
	return fmt.Sprintf("%s: partial extraction of %s %d: %v", w.Document, w.Unit, w.PageNum, w.Err)
}

func (w PartialExtractionWarning) log(l *slog.Logger) {
	l.Warn("partial extraction",
		"doc", w.Document,
		"unit", w.Unit,
		"page", w.PageNum,
		"error", w.Err,
	)
}
