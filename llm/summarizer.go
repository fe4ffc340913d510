package llm

import (
	"context"
	"fmt"
	"strings"
)

const summarySystemPrompt = "Summarize what this document is about in 1-2 sentences."

// DocumentSummarizer asks a chat model for a short synopsis of a document.
// It satisfies parser.Summarizer.
type DocumentSummarizer struct {
	provider Provider
	model    string
}

func NewDocumentSummarizer(p Provider, model string) *DocumentSummarizer {
	return &DocumentSummarizer{provider: p, model: model}
}

func (s *DocumentSummarizer) Summarize(ctx context.Context, docName, text string) (string, error) {
	resp, err := s.provider.Chat(ctx, ChatRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Document: %s\n\n%s", docName, text)},
		},
		Temperature: 0,
		MaxTokens:   100,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing %s: %w", docName, err)
	}
	return strings.TrimSpace(resp.Content), nil
}
