package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"

	"github.com/brunobiangulo/goprep/parser"
	"github.com/brunobiangulo/goprep/store"
)

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"` // Maximum estimated tokens per chunk.
	Overlap   int `json:"overlap" yaml:"overlap"`       // Token overlap between consecutive prose chunks.
}

// Chunker converts parsed pages into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 128
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits every page of a document into chunks. A chunk never spans
// two pages, so each carries exactly one citation. The heading in force is
// carried across page boundaries.
func (c *Chunker) Chunk(docName string, pages []*parser.Page) []store.Chunk {
	var chunks []store.Chunk
	heading := ""
	emit := func(p *parser.Page, content, kind string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if kind == "" {
			kind = ContentType(content)
		}
		chunks = append(chunks, store.Chunk{
			Position:    len(chunks),
			PageNum:     p.PageNum,
			Content:     content,
			ChunkType:   kind,
			Heading:     heading,
			Citation:    parser.Citation(docName, p.PageNum),
			FigureIDs:   FigureIDs(content),
			TokenCount:  estimateTokens(content),
			ContentHash: contentHash(content),
		})
	}

	for _, p := range pages {
		var current []string
		currentTokens := 0
		flush := func() {
			if len(current) == 0 {
				return
			}
			emit(p, strings.Join(current, "\n"), "")
			overlap := extractOverlap(strings.Join(current, "\n"), c.cfg.Overlap)
			current, currentTokens = nil, 0
			if overlap != "" {
				current = []string{overlap}
				currentTokens = estimateTokens(overlap)
			}
		}
		reset := func() {
			if len(current) > 0 {
				flush()
			}
			current, currentTokens = nil, 0
		}

		for _, u := range splitUnits(p.Text) {
			tokens := estimateTokens(u.text)
			switch u.kind {
			case unitHeading:
				// A new section starts its own chunk without overlap
				// from the previous one.
				reset()
				heading = headingText(u.text)
				current = []string{u.text}
				currentTokens = tokens
				continue
			case unitTable:
				reset()
				for _, part := range c.splitTable(u.text) {
					emit(p, part, "table")
				}
				continue
			case unitText:
				if tokens > c.cfg.MaxTokens {
					overlap := ""
					if len(current) > 0 {
						body := strings.Join(current, "\n")
						emit(p, body, "")
						overlap = extractOverlap(body, c.cfg.Overlap)
					}
					current, currentTokens = nil, 0
					for _, frag := range c.splitBySentences(u.text, overlap) {
						emit(p, frag, "paragraph")
					}
					continue
				}
			}
			if currentTokens+tokens > c.cfg.MaxTokens && len(current) > 0 {
				flush()
			}
			current = append(current, u.text)
			currentTokens += tokens
		}
		if len(current) > 0 {
			emit(p, strings.Join(current, "\n"), "")
		}

		for _, t := range p.Tables {
			for _, part := range c.splitTable(t) {
				emit(p, part, "table")
			}
		}
	}
	return chunks
}

// splitTable keeps a table whole when it fits; otherwise it cuts between
// rows and repeats the first row (the header) at the top of every part.
func (c *Chunker) splitTable(table string) []string {
	table = strings.TrimSpace(table)
	if estimateTokens(table) <= c.cfg.MaxTokens {
		return []string{table}
	}
	rows := strings.Split(table, "\n")
	header := rows[0]
	rows = rows[1:]
	if len(rows) > 0 && isHeaderSeparator(rows[0]) {
		header += "\n" + rows[0]
		rows = rows[1:]
	}

	var parts []string
	current := []string{header}
	tokens := estimateTokens(header)
	for _, r := range rows {
		rt := estimateTokens(r)
		if tokens+rt > c.cfg.MaxTokens && len(current) > 1 {
			parts = append(parts, strings.Join(current, "\n"))
			current = []string{header}
			tokens = estimateTokens(header)
		}
		current = append(current, r)
		tokens += rt
	}
	if len(current) > 1 || len(parts) == 0 {
		parts = append(parts, strings.Join(current, "\n"))
	}
	return parts
}

// splitBySentences packs the sentences of an oversize paragraph into
// fragments of at most MaxTokens. Each fragment after the first opens with
// the overlap tail of the one before; the first opens with lead.
func (c *Chunker) splitBySentences(text, lead string) []string {
	var fragments []string
	var buf []string
	tokens := 0
	if lead != "" {
		buf, tokens = []string{lead}, estimateTokens(lead)
	}
	for _, sent := range splitSentences(text) {
		n := estimateTokens(sent)
		if len(buf) > 0 && tokens+n > c.cfg.MaxTokens {
			frag := strings.Join(buf, " ")
			fragments = append(fragments, frag)
			buf, tokens = nil, 0
			if tail := extractOverlap(frag, c.cfg.Overlap); tail != "" {
				buf, tokens = []string{tail}, estimateTokens(tail)
			}
		}
		buf = append(buf, sent)
		tokens += n
	}
	if len(buf) > 0 {
		fragments = append(fragments, strings.Join(buf, " "))
	}
	return fragments
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// splitSentences cuts text after '.', '?' or '!' when followed by
// whitespace or the end of the text.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for rest != "" {
		i := strings.IndexFunc(rest, isTerminal)
		for i >= 0 && i+1 < len(rest) && !unicode.IsSpace(rune(rest[i+1])) {
			j := strings.IndexFunc(rest[i+1:], isTerminal)
			if j < 0 {
				i = -1
				break
			}
			i += j + 1
		}
		if i < 0 {
			i = len(rest) - 1
		}
		if s := strings.TrimSpace(rest[:i+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[i+1:]
	}
	return out
}

func isTerminal(r rune) bool { return r == '.' || r == '?' || r == '!' }

// extractOverlap returns the trailing words of text worth at most
// maxTokens. Figure placeholders are never carried into the next chunk.
func extractOverlap(text string, maxTokens int) string {
	words := strings.Fields(figurePattern.ReplaceAllString(text, " "))
	if len(words) == 0 {
		return ""
	}
	maxWords := min(int(float64(maxTokens)/1.3), len(words))
	if maxWords == 0 {
		return ""
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

func isHeaderSeparator(line string) bool {
	return strings.Trim(line, "|-: ") == "" && strings.Contains(line, "-")
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
