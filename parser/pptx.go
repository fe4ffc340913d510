package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"
	"strings"
)

const nsRelationships = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"

// PPTXParser yields one page per slide, empty slides included, so page
// numbers line up with slide numbers.
type PPTXParser struct {
	opts Options
	log  *slog.Logger
}

func NewPPTXParser(opts Options) *PPTXParser {
	return &PPTXParser{opts: opts, log: opts.logger()}
}

func (p *PPTXParser) Formats() []string { return []string{"pptx"} }

func (p *PPTXParser) Parse(ctx context.Context, src Source) iter.Seq2[*Page, error] {
	return fromSlice(func() ([]*Page, error) {
		data, err := readSource(src)
		if err != nil {
			return nil, err
		}
		pkg, err := openPackage(data)
		if err != nil {
			return nil, &FormatError{Document: src.Name, Format: "pptx", Err: err}
		}
		if !pkg.has("ppt/presentation.xml") {
			return nil, &FormatError{Document: src.Name, Format: "pptx", Err: fmt.Errorf("ppt/presentation.xml not found")}
		}

		parts := pptxSlideParts(pkg)
		pages := make([]*Page, len(parts))
		for i, part := range parts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			slide, err := loadPPTXSlide(pkg, part)
			if err != nil {
				PartialExtractionWarning{Document: src.Name, PageNum: i, Unit: "slide", Err: err}.log(p.log)
			}
			pages[i] = &Page{PageNum: i, Text: slide.render()}
		}

		images := extractPPTXImages(pkg, parts, newImageCollector(src.Name, p.opts.Images, p.log), p.log)
		MergeImages(src.Name, pages, images, p.log)

		p.log.Debug("pptx parsed", "doc", src.Name, "slides", len(pages), "images", len(images))
		return pages, nil
	})
}

// pptxSlideParts lists slide parts in presentation order. The order comes
// from p:sldIdLst; decks without one fall back to slide file numbering.
func pptxSlideParts(pkg *officePackage) []string {
	if data, err := pkg.read("ppt/presentation.xml"); err == nil {
		rels := pkg.rels("ppt/presentation.xml")
		var parts []string
		dec := xml.NewDecoder(bytes.NewReader(data))
		for {
			tok, err := dec.Token()
			if err != nil {
				break
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != "sldId" {
				continue
			}
			if rel, ok := rels[attrNS(se, nsRelationships, "id")]; ok && !rel.External {
				parts = append(parts, rel.Target)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}

	nums := make(map[int]string)
	for _, name := range pkg.order {
		if n := extractSlideNumber(name); n > 0 {
			nums[n] = name
		}
	}
	keys := make([]int, 0, len(nums))
	for n := range nums {
		keys = append(keys, n)
	}
	sort.Ints(keys)
	parts := make([]string, len(keys))
	for i, n := range keys {
		parts[i] = nums[n]
	}
	return parts
}

// loadPPTXSlide reads a slide and its speaker notes. On error the returned
// slide holds whatever was read before the failure.
func loadPPTXSlide(pkg *officePackage, part string) (pptxSlide, error) {
	data, err := pkg.read(part)
	if err != nil {
		return pptxSlide{}, err
	}
	slide, err := readPPTXSlide(data)
	if err != nil {
		return slide, err
	}
	for _, rel := range pkg.rels(part) {
		if rel.Type != relTypeNotesSlide || rel.External {
			continue
		}
		notesXML, err := pkg.read(rel.Target)
		if err != nil {
			return slide, fmt.Errorf("notes: %w", err)
		}
		notes, err := readPPTXSlide(notesXML)
		slide.notes = notes.placeholders["body"]
		if err != nil {
			return slide, fmt.Errorf("notes: %w", err)
		}
		break
	}
	return slide, nil
}

// pptxSlide is the text content of one slide in shape-tree order.
type pptxSlide struct {
	title        string
	lines        []string // non-title shapes and table rows
	texts        []string // every text shape, title included
	placeholders map[string]string
	pics         []pptxPicRef
	notes        string
}

type pptxPicRef struct {
	rID string
	alt string
}

// render lays out a slide as page text: "# Title", one line per shape or
// table row, then the speaker notes after a separator.
func (s pptxSlide) render() string {
	var lines []string
	if s.title != "" {
		lines = append(lines, "# "+s.title)
	}
	lines = append(lines, s.lines...)
	if s.notes != "" {
		lines = append(lines, "---", "Notes:", s.notes)
	}
	return strings.Join(lines, "\n")
}

func isTitlePlaceholder(ph string) bool {
	return ph == "title" || ph == "ctrTitle"
}

type pptxShape struct {
	ph    string
	isPh  bool
	paras []string
}

// readPPTXSlide walks a slide (or notes slide) tree. Group shapes are
// flattened; their children appear in document order.
func readPPTXSlide(data []byte) (pptxSlide, error) {
	slide := pptxSlide{placeholders: make(map[string]string)}
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		shape    *pptxShape
		inTxBody bool
		para     *strings.Builder
		tblDepth int
		row      []string
		cell     []string
		inCell   bool
		pic      *pptxPicRef
	)

	closeShape := func() {
		if shape == nil {
			return
		}
		text := strings.TrimSpace(strings.Join(shape.paras, "\n"))
		if shape.isPh {
			if _, seen := slide.placeholders[shape.ph]; !seen && text != "" {
				slide.placeholders[shape.ph] = text
			}
		}
		if text != "" {
			slide.texts = append(slide.texts, text)
			if shape.isPh && isTitlePlaceholder(shape.ph) && slide.title == "" {
				slide.title = strings.ReplaceAll(text, "\n", " ")
			} else {
				slide.lines = append(slide.lines, text)
			}
		}
		shape = nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if para != nil && shape != nil && !inCell {
				shape.paras = append(shape.paras, para.String())
			}
			closeShape()
			return slide, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				if t.Name.Space != nsDrawingA {
					shape = &pptxShape{}
				}
			case "ph":
				if shape != nil {
					shape.isPh = true
					shape.ph = attr(t, "type")
					if shape.ph == "" {
						shape.ph = "obj"
					}
				}
			case "txBody":
				inTxBody = true
			case "tbl":
				if t.Name.Space == nsDrawingA {
					tblDepth++
				}
			case "tr":
				if t.Name.Space == nsDrawingA && tblDepth == 1 {
					row = nil
				}
			case "tc":
				if t.Name.Space == nsDrawingA && tblDepth == 1 {
					cell, inCell = nil, true
				}
			case "p":
				if t.Name.Space == nsDrawingA && (inCell || (shape != nil && inTxBody)) {
					para = &strings.Builder{}
				}
			case "t":
				if para != nil && t.Name.Space == nsDrawingA {
					var s string
					if err := dec.DecodeElement(&s, &t); err != nil {
						closeShape()
						return slide, err
					}
					para.WriteString(s)
				}
			case "br":
				if para != nil && t.Name.Space == nsDrawingA {
					para.WriteString("\n")
				}
			case "pic":
				if t.Name.Space != nsDrawingA {
					pic = &pptxPicRef{}
				}
			case "cNvPr":
				if pic != nil {
					pic.alt = attr(t, "descr")
				}
			case "blip":
				if pic != nil {
					pic.rID = attrNS(t, nsRelationships, "embed")
				}
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if t.Name.Space != nsDrawingA || para == nil {
					continue
				}
				text := strings.TrimSpace(para.String())
				switch {
				case inCell:
					if text != "" {
						cell = append(cell, text)
					}
				case shape != nil:
					shape.paras = append(shape.paras, text)
				}
				para = nil
			case "txBody":
				inTxBody = false
			case "sp":
				if t.Name.Space != nsDrawingA {
					closeShape()
				}
			case "tc":
				if t.Name.Space == nsDrawingA && tblDepth == 1 {
					row = append(row, strings.Join(cell, " "))
					inCell = false
				}
			case "tr":
				if t.Name.Space == nsDrawingA && tblDepth == 1 {
					line := strings.Join(row, " | ")
					if strings.Trim(line, " |") != "" {
						slide.lines = append(slide.lines, line)
					}
				}
			case "tbl":
				if t.Name.Space == nsDrawingA && tblDepth > 0 {
					tblDepth--
				}
			case "pic":
				if pic != nil && t.Name.Space != nsDrawingA {
					if pic.rID != "" {
						slide.pics = append(slide.pics, *pic)
					}
					pic = nil
				}
			}
		}
	}
	return slide, nil
}

func extractSlideNumber(name string) int {
	// Extract number from "ppt/slides/slide1.xml"
	if !strings.HasPrefix(name, "ppt/slides/slide") || !strings.HasSuffix(name, ".xml") {
		return 0
	}
	name = strings.TrimPrefix(name, "ppt/slides/slide")
	name = strings.TrimSuffix(name, ".xml")
	var num int
	if _, err := fmt.Sscanf(name, "%d", &num); err != nil {
		return 0
	}
	return num
}

func attrNS(se xml.StartElement, space, local string) string {
	for _, a := range se.Attr {
		if a.Name.Space == space && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
