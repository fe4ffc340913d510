package parser

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Page is one addressable unit of a document: a PDF page, a PPTX slide or
// a DOCX section. PageNum doubles as the citation anchor.
type Page struct {
	PageNum int            `json:"page_num"`
	Offset  int            `json:"offset"`
	Text    string         `json:"text"`
	Images  []*ImageOnPage `json:"images,omitempty"`
	Tables  []string       `json:"tables,omitempty"`
}

// ImageOnPage is an image extracted from a page together with the context
// a captioner needs: the nearest heading, the surrounding text and any
// author supplied alt text.
type ImageOnPage struct {
	PageNum               int        `json:"page_num"`
	FigureID              string     `json:"figure_id"`
	Filename              string     `json:"filename"`
	MIMEType              string     `json:"mime_type"`
	Bytes                 []byte     `json:"-"`
	BBox                  [4]float64 `json:"bbox"`
	Title                 string     `json:"title,omitempty"`
	ContextTitle          string     `json:"context_title,omitempty"`
	ContextText           string     `json:"context_text,omitempty"`
	AltText               string     `json:"alt_text,omitempty"`
	SourceDocumentSummary string     `json:"source_document_summary,omitempty"`
	Placeholder           string     `json:"placeholder"`
}

// FigurePlaceholder returns the inline marker that stands in for a figure
// inside page text.
func FigurePlaceholder(figureID string) string {
	return fmt.Sprintf(`<figure id="%s"></figure>`, figureID)
}

// AttachImage appends img's placeholder on its own line after the page text
// and records the image on the page. Offsets of later pages are stale until
// Reoffset runs.
func (p *Page) AttachImage(img *ImageOnPage) {
	img.PageNum = p.PageNum
	text := strings.TrimRight(p.Text, " \t\r\n")
	if text != "" {
		text += "\n"
	}
	p.Text = text + img.Placeholder
	p.Images = append(p.Images, img)
}

// Len is the page text length in characters.
func (p *Page) Len() int { return utf8.RuneCountInString(p.Text) }

// Reoffset assigns each page the running character offset of all text
// before it.
func Reoffset(pages []*Page) {
	off := 0
	for _, p := range pages {
		p.Offset = off
		off += p.Len()
	}
}

// CheckOffsets reports the first page whose number or offset breaks the
// contiguous layout produced by Reoffset.
func CheckOffsets(pages []*Page) error {
	off := 0
	for i, p := range pages {
		if p.PageNum != i {
			return fmt.Errorf("page %d: page_num is %d", i, p.PageNum)
		}
		if p.Offset != off {
			return fmt.Errorf("page %d: offset %d, want %d", i, p.Offset, off)
		}
		off += p.Len()
	}
	return nil
}

// DocumentText concatenates page texts in order. Slicing the result by
// each page's offset and length yields that page's text.
func DocumentText(pages []*Page) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Citation builds the anchor a search result uses to point back into the
// source document. Slides are addressed as slides, everything else as pages.
func Citation(docName string, pageNum int) string {
	anchor := "page"
	if strings.EqualFold(filepath.Ext(docName), ".pptx") {
		anchor = "slide"
	}
	return fmt.Sprintf("%s#%s=%d", filepath.Base(docName), anchor, pageNum+1)
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
