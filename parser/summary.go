package parser

import (
	"context"
	"log/slog"
	"strings"
)

// SummaryInputMaxChars caps the document text sent for summarization.
const SummaryInputMaxChars = 3000

// Summarizer produces a one or two sentence synopsis of a document.
type Summarizer interface {
	Summarize(ctx context.Context, docName, text string) (string, error)
}

// StampSummary summarizes the opening of the document and copies the
// result onto every image so captions can be written with the document's
// subject in mind. A failed summary is logged and the images keep an empty
// summary. The summary is also returned for callers that store it.
func StampSummary(ctx context.Context, s Summarizer, docName string, pages []*Page, log *slog.Logger) string {
	if s == nil {
		return ""
	}
	if log == nil {
		log = slog.Default()
	}

	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	input := truncateRunes(strings.Join(texts, " "), SummaryInputMaxChars)
	if strings.TrimSpace(input) == "" {
		return ""
	}

	summary, err := s.Summarize(ctx, docName, input)
	if err != nil {
		log.Warn("document summary failed", "doc", docName, "error", err)
		return ""
	}
	summary = strings.TrimSpace(summary)
	for _, p := range pages {
		for _, img := range p.Images {
			img.SourceDocumentSummary = summary
		}
	}
	log.Debug("document summarized", "doc", docName, "chars", len(summary))
	return summary
}
