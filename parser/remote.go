package parser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"iter"
	"log/slog"

	"github.com/xuri/excelize/v2"
)

// RemoteOnlyFormats are always parsed by the recognizer.
var RemoteOnlyFormats = []string{"xlsx", "png", "jpg", "jpeg", "tiff", "bmp", "heic"}

var remoteMIMETypes = map[string]string{
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
	"heic": "image/heic",
}

// RemoteParser sends the whole document to the recognizer in one call.
// The container is checked locally first so a corrupt file fails fast
// instead of costing a remote round trip.
type RemoteParser struct {
	opts    Options
	log     *slog.Logger
	formats []string
}

func NewRemoteParser(opts Options, formats ...string) *RemoteParser {
	return &RemoteParser{opts: opts, log: opts.logger(), formats: formats}
}

func (p *RemoteParser) Formats() []string { return p.formats }

func (p *RemoteParser) Parse(ctx context.Context, src Source) iter.Seq2[*Page, error] {
	return fromSlice(func() ([]*Page, error) {
		format := FormatOf(src.Name)
		data, err := readSource(src)
		if err != nil {
			return nil, err
		}
		pageCount, err := preflight(src.Name, format, data)
		if err != nil {
			return nil, err
		}
		if p.opts.Recognizer == nil {
			return nil, fmt.Errorf("%s: %w", src.Name, ErrRecognizerRequired)
		}

		results, err := p.opts.Recognizer.Recognize(ctx, RemoteDocument{
			Name:      src.Name,
			MIMEType:  remoteMIMETypes[format],
			Data:      data,
			PageCount: pageCount,
		})
		if err != nil {
			pages := make([]int, pageCount)
			for i := range pages {
				pages[i] = i
			}
			return nil, &RemoteServiceError{Document: src.Name, Pages: pages, Err: err}
		}

		collector := newImageCollector(src.Name, p.opts.Images, p.log)
		pages := make([]*Page, len(results))
		for i, rp := range results {
			pages[i] = recognizedPage(i, rp, collector)
		}
		Reoffset(pages)
		p.log.Debug("remote parse", "doc", src.Name, "format", format, "pages", len(pages))
		return pages, nil
	})
}

// preflight validates the container and returns its page count when the
// format has one.
func preflight(name, format string, data []byte) (int, error) {
	switch format {
	case "pdf":
		doc, err := openPDF(name, data)
		if err != nil {
			return 0, err
		}
		return doc.pages, nil
	case "xlsx":
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return 0, &FormatError{Document: name, Format: format, Err: err}
		}
		defer f.Close()
		if len(f.GetSheetList()) == 0 {
			return 0, &FormatError{Document: name, Format: format, Err: fmt.Errorf("workbook has no sheets")}
		}
		return 0, nil
	case "heic":
		// No Go decoder; the service is the only judge.
		if len(data) == 0 {
			return 0, &FormatError{Document: name, Format: format, Err: fmt.Errorf("empty file")}
		}
		return 1, nil
	case "png", "jpg", "jpeg", "tiff", "bmp":
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return 0, &FormatError{Document: name, Format: format, Err: err}
		}
		return 1, nil
	}
	return 0, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}
