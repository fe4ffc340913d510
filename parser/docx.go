package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultDOCXPageChars bounds a DOCX page when the document carries no
// page break markers.
const DefaultDOCXPageChars = 4000

// DOCXParser reads word/document.xml directly. A DOCX has no physical
// pages, so pages are cut at explicit or last-rendered page breaks and,
// failing those, at a character budget.
type DOCXParser struct {
	opts Options
	log  *slog.Logger
}

func NewDOCXParser(opts Options) *DOCXParser {
	return &DOCXParser{opts: opts, log: opts.logger()}
}

func (p *DOCXParser) Formats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, src Source) iter.Seq2[*Page, error] {
	return fromSlice(func() ([]*Page, error) {
		data, err := readSource(src)
		if err != nil {
			return nil, err
		}
		pkg, err := openPackage(data)
		if err != nil {
			return nil, &FormatError{Document: src.Name, Format: "docx", Err: err}
		}
		body, err := pkg.read("word/document.xml")
		if err != nil {
			return nil, &FormatError{Document: src.Name, Format: "docx", Err: err}
		}
		blocks, err := readDOCXBlocks(body)
		if err != nil {
			return nil, &FormatError{Document: src.Name, Format: "docx", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		layout := paginateDOCX(blocks, p.opts.DOCXPageChars)
		pages := make([]*Page, len(layout.pages))
		for i, text := range layout.pages {
			pages[i] = &Page{PageNum: i, Text: text}
		}
		if len(pages) == 0 && len(layout.refs) > 0 {
			pages = append(pages, &Page{PageNum: 0})
		}

		images := extractDOCXImages(pkg, layout, newImageCollector(src.Name, p.opts.Images, p.log), p.log)
		MergeImages(src.Name, pages, images, p.log)

		p.log.Debug("docx parsed", "doc", src.Name, "pages", len(pages), "images", len(images))
		return pages, nil
	})
}

// docxBlock is a body paragraph or a table row, in document order.
type docxBlock struct {
	text      string
	heading   int // 0 for body text
	pageBreak bool
	images    []docxImageRef
}

type docxImageRef struct {
	rID string
	alt string
}

// readDOCXBlocks walks the body token by token so paragraphs and tables
// keep their authored interleaving.
func readDOCXBlocks(data []byte) ([]docxBlock, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		blocks    []docxBlock
		para      *docxParagraph
		paraDepth int
		tblDepth  int
		row       []string
		rowImages []docxImageRef
		cell      []string
		drawing   docxDrawingState
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				if t.Name.Space != nsWordML {
					continue
				}
				if paraDepth == 0 {
					para = &docxParagraph{}
				}
				paraDepth++
			case "tbl":
				if t.Name.Space == nsWordML {
					tblDepth++
				}
			case "tr":
				if t.Name.Space == nsWordML && tblDepth == 1 {
					row, rowImages = nil, nil
				}
			case "tc":
				if t.Name.Space == nsWordML && tblDepth == 1 {
					cell = nil
				}
			case "pStyle":
				if para != nil {
					para.style = attr(t, "val")
				}
			case "outlineLvl":
				if para != nil {
					if n, err := strconv.Atoi(attr(t, "val")); err == nil {
						para.outline = n + 1
					}
				}
			case "t":
				if para != nil && t.Name.Space == nsWordML {
					var s string
					if err := dec.DecodeElement(&s, &t); err != nil {
						return nil, err
					}
					para.text.WriteString(s)
				}
			case "tab":
				if para != nil && t.Name.Space == nsWordML {
					para.text.WriteString("\t")
				}
			case "br":
				if para == nil || t.Name.Space != nsWordML {
					continue
				}
				if attr(t, "type") == "page" {
					para.pageBreak = true
				} else {
					para.text.WriteString("\n")
				}
			case "lastRenderedPageBreak":
				if para != nil {
					para.pageBreak = true
				}
			case "docPr":
				drawing.alt = attr(t, "descr")
			case "cNvPr":
				if drawing.alt == "" {
					drawing.alt = attr(t, "descr")
				}
			case "blip":
				if para != nil {
					if id := attr(t, "embed"); id != "" {
						para.images = append(para.images, docxImageRef{rID: id, alt: drawing.alt})
					}
				}
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if t.Name.Space != nsWordML || paraDepth == 0 {
					continue
				}
				paraDepth--
				if paraDepth > 0 {
					continue
				}
				text := strings.TrimSpace(para.text.String())
				if tblDepth > 0 {
					if text != "" {
						cell = append(cell, text)
					}
					rowImages = append(rowImages, para.images...)
				} else {
					level := para.headingLevel()
					if level > 0 && text != "" {
						text = strings.Repeat("#", level) + " " + text
					}
					blocks = append(blocks, docxBlock{
						text:      text,
						heading:   level,
						pageBreak: para.pageBreak,
						images:    para.images,
					})
				}
				para = nil
			case "tc":
				if t.Name.Space == nsWordML && tblDepth == 1 {
					row = append(row, strings.Join(cell, " "))
				}
			case "tr":
				if t.Name.Space == nsWordML && tblDepth == 1 {
					text := strings.Join(row, " | ")
					if strings.Trim(text, " |") == "" {
						text = ""
					}
					blocks = append(blocks, docxBlock{text: text, images: rowImages})
				}
			case "tbl":
				if t.Name.Space == nsWordML && tblDepth > 0 {
					tblDepth--
				}
			case "drawing", "pict":
				drawing = docxDrawingState{}
			}
		}
	}
	return blocks, nil
}

type docxParagraph struct {
	style     string
	outline   int
	pageBreak bool
	text      strings.Builder
	images    []docxImageRef
}

type docxDrawingState struct {
	alt string
}

// headingLevel maps Title and Heading N styles (by id or display name) and
// explicit outline levels onto markdown levels 1-6.
func (p *docxParagraph) headingLevel() int {
	style := strings.ToLower(strings.ReplaceAll(p.style, " ", ""))
	level := 0
	switch {
	case style == "title":
		level = 1
	case strings.HasPrefix(style, "heading"):
		if n, err := strconv.Atoi(strings.TrimPrefix(style, "heading")); err == nil {
			level = n
		}
	}
	if level == 0 && p.outline > 0 && p.outline <= 9 {
		level = p.outline
	}
	return min(level, 6)
}

// docxLayout is the paginated body plus every image reference with the
// page it fell on and the heading in force at that point.
type docxLayout struct {
	pages []string
	refs  []docxPlacedImage
}

type docxPlacedImage struct {
	ref     docxImageRef
	page    int
	heading string
}

// paginateDOCX cuts blocks into pages. A page break marker starts a new
// page when the current one has text. With budget > 0 a block that would
// push the page past budget characters starts a new page; blocks are never
// split, so an oversize block forms a page of its own.
func paginateDOCX(blocks []docxBlock, budget int) docxLayout {
	var (
		layout  docxLayout
		parts   []string
		size    int
		heading string
	)
	flush := func() {
		if len(parts) == 0 {
			return
		}
		layout.pages = append(layout.pages, strings.Join(parts, "\n"))
		parts, size = nil, 0
	}

	for _, b := range blocks {
		if b.pageBreak {
			flush()
		}
		if b.text != "" {
			n := utf8.RuneCountInString(b.text)
			if budget > 0 && len(parts) > 0 && size+1+n > budget {
				flush()
			}
			if len(parts) > 0 {
				size++
			}
			parts = append(parts, b.text)
			size += n
		}
		if b.heading > 0 && b.text != "" {
			heading = strings.TrimSpace(strings.TrimLeft(b.text, "#"))
		}
		for _, ref := range b.images {
			layout.refs = append(layout.refs, docxPlacedImage{
				ref:     ref,
				page:    len(layout.pages),
				heading: heading,
			})
		}
	}
	flush()
	return layout
}
