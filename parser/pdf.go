package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfDocument is an opened PDF held in memory. Text and triage signals
// come from ledongthuc/pdf; embedded images and sub-documents from pdfcpu.
type pdfDocument struct {
	name   string
	data   []byte
	reader *pdf.Reader
	pages  int
}

func openPDF(name string, data []byte) (doc *pdfDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, &FormatError{Document: name, Format: "pdf", Err: fmt.Errorf("%v", r)}
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &FormatError{Document: name, Format: "pdf", Err: err}
	}
	n := reader.NumPage()
	if n <= 0 {
		return nil, &FormatError{Document: name, Format: "pdf", Err: fmt.Errorf("page tree is empty")}
	}
	return &pdfDocument{name: name, data: data, reader: reader, pages: n}, nil
}

// page returns the zero-based page i.
func (d *pdfDocument) page(i int) pdf.Page {
	return d.reader.Page(i + 1)
}

// text extracts the trimmed plain text of page i.
func (d *pdfDocument) text(i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%v", r)
		}
	}()
	p := d.page(i)
	if p.V.IsNull() {
		return "", fmt.Errorf("page object missing")
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// signals measures page i for triage. The text is passed in so a page is
// only extracted once. A content stream the scanner cannot follow still
// yields the text signal.
func (d *pdfDocument) signals(i int, text string) (PageSignals, error) {
	s := PageSignals{TextChars: utf8.RuneCountInString(text)}
	p := d.page(i)
	if p.V.IsNull() {
		return s, nil
	}
	s.PageArea = pageArea(p)
	areas, err := placedImageAreas(p)
	s.ImageAreas = areas
	return s, err
}

type pdfImage struct {
	objNr int
	data  []byte
	ext   string
}

// images returns the embedded raster images per zero-based page, in object
// order.
func (d *pdfDocument) images() (out map[int][]pdfImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("pdfcpu: %v", r)
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	perPage, err := api.ExtractImagesRaw(bytes.NewReader(d.data), nil, conf)
	if err != nil {
		return nil, err
	}

	out = make(map[int][]pdfImage)
	for _, imgs := range perPage {
		for objNr, img := range imgs {
			data, err := io.ReadAll(img)
			if err != nil {
				return nil, fmt.Errorf("reading image object %d: %w", objNr, err)
			}
			out[img.PageNr-1] = append(out[img.PageNr-1], pdfImage{objNr: objNr, data: data, ext: img.FileType})
		}
	}
	for p := range out {
		sort.Slice(out[p], func(i, j int) bool { return out[p][i].objNr < out[p][j].objNr })
	}
	return out, nil
}

// attachLocalImages filters page images through c and attaches them with
// the page text as context.
func attachLocalImages(page *Page, imgs []pdfImage, c *imageCollector) {
	text := page.Text
	for _, pi := range imgs {
		img := c.admit(pi.data, pi.ext, page.PageNum)
		if img == nil {
			continue
		}
		c.setContext(img, "", text, "")
		page.AttachImage(img)
	}
}

// Subsetter cuts the given zero-based pages (ascending) out of a PDF into a
// new, self-contained PDF.
type Subsetter interface {
	Subset(data []byte, pages []int) ([]byte, error)
}

// PDFCPUSubsetter builds sub-documents with pdfcpu's trim command.
type PDFCPUSubsetter struct{}

func (PDFCPUSubsetter) Subset(data []byte, pages []int) ([]byte, error) {
	sel := make([]string, len(pages))
	for i, p := range pages {
		sel[i] = strconv.Itoa(p + 1)
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &buf, sel, conf); err != nil {
		return nil, fmt.Errorf("pdfcpu trim: %w", err)
	}
	return buf.Bytes(), nil
}

// LocalPDFParser extracts every page locally and never escalates. Pages
// are produced one at a time as the sequence is ranged.
type LocalPDFParser struct {
	opts Options
	log  *slog.Logger
}

func NewLocalPDFParser(opts Options) *LocalPDFParser {
	return &LocalPDFParser{opts: opts, log: opts.logger()}
}

func (p *LocalPDFParser) Formats() []string { return []string{"pdf"} }

func (p *LocalPDFParser) Parse(ctx context.Context, src Source) iter.Seq2[*Page, error] {
	return singleUse(func(yield func(*Page, error) bool) {
		data, err := readSource(src)
		if err != nil {
			yield(nil, err)
			return
		}
		doc, err := openPDF(src.Name, data)
		if err != nil {
			yield(nil, err)
			return
		}

		images, err := doc.images()
		if err != nil {
			PartialExtractionWarning{Document: src.Name, PageNum: -1, Unit: "images", Err: err}.log(p.log)
		}
		collector := newPDFImageCollector(src.Name, p.opts.Images, p.log)

		offset := 0
		for i := 0; i < doc.pages; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			text, err := doc.text(i)
			if err != nil {
				PartialExtractionWarning{Document: src.Name, PageNum: i, Unit: "page", Err: err}.log(p.log)
			}
			page := &Page{PageNum: i, Text: text}
			attachLocalImages(page, images[i], collector)
			page.Offset = offset
			offset += page.Len()
			if !yield(page, nil) {
				return
			}
		}
	})
}
