// Package recognize holds the remote layout-recognition backends that
// implement parser.Recognizer.
package recognize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	xdraw "golang.org/x/image/draw"
	"google.golang.org/api/option"

	"github.com/brunobiangulo/goprep/parser"
)

// DocumentAIConfig selects a Document AI processor.
type DocumentAIConfig struct {
	ProjectID        string        `json:"project_id" yaml:"project_id"`
	Location         string        `json:"location" yaml:"location"`
	ProcessorID      string        `json:"processor_id" yaml:"processor_id"`
	ProcessorVersion string        `json:"processor_version" yaml:"processor_version"`
	CredentialsFile  string        `json:"credentials_file" yaml:"credentials_file"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// DocumentAI recognizes documents with a Google Document AI processor.
// Figures are cut from the rendered page image the processor returns.
type DocumentAI struct {
	client  *documentai.DocumentProcessorClient
	name    string
	timeout time.Duration
	log     *slog.Logger
}

func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, log *slog.Logger) (*DocumentAI, error) {
	if log == nil {
		log = slog.Default()
	}
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "us"
	}
	name := processorName(cfg.ProjectID, location, cfg.ProcessorID, cfg.ProcessorVersion)
	if name == "" {
		return nil, fmt.Errorf("document ai: project_id and processor_id are required")
	}

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := []option.ClientOption{option.WithEndpoint(endpoint)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	log.Info("document ai initialized", "endpoint", endpoint, "processor", name)
	return &DocumentAI{client: client, name: name, timeout: timeout, log: log}, nil
}

func (d *DocumentAI) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *DocumentAI) Recognize(ctx context.Context, doc parser.RemoteDocument) ([]parser.RecognizedPage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: d.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  doc.Data,
				MimeType: doc.MIMEType,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	pages := convertDocument(resp.GetDocument(), d.log)
	d.log.Debug("document ai processed", "doc", doc.Name, "submitted", doc.PageCount, "returned", len(pages))
	return pages, nil
}

// convertDocument turns a processed document into recognizer pages in page
// order.
func convertDocument(doc *documentaipb.Document, log *slog.Logger) []parser.RecognizedPage {
	if doc == nil {
		return nil
	}
	pages := make([]*documentaipb.Document_Page, 0, len(doc.GetPages()))
	for _, p := range doc.GetPages() {
		if p != nil {
			pages = append(pages, p)
		}
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].GetPageNumber() < pages[j].GetPageNumber() })

	out := make([]parser.RecognizedPage, len(pages))
	for i, p := range pages {
		out[i] = convertPage(doc.GetText(), p, log)
	}

	// Some processors fill doc.Text but no paragraphs.
	if len(out) == 1 && out[0].Text == "" {
		out[0].Text = strings.TrimSpace(doc.GetText())
	}
	return out
}

func convertPage(full string, p *documentaipb.Document_Page, log *slog.Logger) parser.RecognizedPage {
	var rp parser.RecognizedPage

	var text strings.Builder
	for _, para := range p.GetParagraphs() {
		t := strings.TrimSpace(textFromAnchor(full, para.GetLayout().GetTextAnchor()))
		if t == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(t)
	}
	rp.Text = text.String()
	if rp.Text == "" {
		rp.Text = strings.TrimSpace(textFromAnchor(full, p.GetLayout().GetTextAnchor()))
	}

	for _, t := range p.GetTables() {
		if md := strings.TrimSpace(tableToMarkdown(full, t)); md != "" {
			rp.Tables = append(rp.Tables, md)
		}
	}

	var pageImg image.Image
	for _, ve := range p.GetVisualElements() {
		if !isFigureElement(ve.GetType()) {
			continue
		}
		bbox, ok := normalizedBBox(ve.GetLayout().GetBoundingPoly())
		if !ok {
			continue
		}
		if pageImg == nil {
			img, err := decodePageImage(p)
			if err != nil {
				log.Warn("document ai page image unusable", "page", p.GetPageNumber(), "error", err)
				break
			}
			pageImg = img
		}
		data, err := cropPNG(pageImg, bbox)
		if err != nil {
			log.Debug("document ai figure crop skipped", "page", p.GetPageNumber(), "error", err)
			continue
		}
		rp.Figures = append(rp.Figures, parser.RecognizedFigure{
			Data:     data,
			MIMEType: "image/png",
			BBox:     bbox,
		})
	}
	return rp
}

func isFigureElement(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "image") || strings.Contains(t, "figure") || strings.Contains(t, "picture")
}

// normalizedBBox returns x0,y0,x1,y1 in page fractions.
func normalizedBBox(poly *documentaipb.BoundingPoly) ([4]float64, bool) {
	vs := poly.GetNormalizedVertices()
	if len(vs) == 0 {
		return [4]float64{}, false
	}
	x0, y0 := math.Inf(1), math.Inf(1)
	x1, y1 := math.Inf(-1), math.Inf(-1)
	for _, v := range vs {
		x, y := float64(v.GetX()), float64(v.GetY())
		x0, y0 = math.Min(x0, x), math.Min(y0, y)
		x1, y1 = math.Max(x1, x), math.Max(y1, y)
	}
	if x1 <= x0 || y1 <= y0 {
		return [4]float64{}, false
	}
	return [4]float64{x0, y0, x1, y1}, true
}

func decodePageImage(p *documentaipb.Document_Page) (image.Image, error) {
	content := p.GetImage().GetContent()
	if len(content) == 0 {
		return nil, fmt.Errorf("no rendered page image")
	}
	img, _, err := image.Decode(bytes.NewReader(content))
	return img, err
}

// cropPNG copies the bbox region of src into a new PNG.
func cropPNG(src image.Image, bbox [4]float64) ([]byte, error) {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	r := image.Rect(
		b.Min.X+int(math.Floor(bbox[0]*w)),
		b.Min.Y+int(math.Floor(bbox[1]*h)),
		b.Min.X+int(math.Ceil(bbox[2]*w)),
		b.Min.Y+int(math.Ceil(bbox[3]*h)),
	).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("figure outside page image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, src, r, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || len(anchor.TextSegments) == 0 || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start := int(seg.StartIndex)
		end := int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

// tableToMarkdown renders a detected table as a pipe table. The first body
// row stands in for a missing header.
func tableToMarkdown(full string, t *documentaipb.Document_Page_Table) string {
	if t == nil {
		return ""
	}

	var header []string
	if len(t.HeaderRows) > 0 && t.HeaderRows[0] != nil {
		header = tableRowToCells(full, t.HeaderRows[0])
	}
	body := t.BodyRows
	if len(header) == 0 && len(body) > 0 && body[0] != nil {
		header = tableRowToCells(full, body[0])
		body = body[1:]
	}
	if len(header) == 0 {
		return ""
	}

	rows := [][]string{header}
	for _, r := range body {
		if r != nil {
			rows = append(rows, tableRowToCells(full, r))
		}
	}
	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	for i := range rows {
		for len(rows[i]) < cols {
			rows[i] = append(rows[i], "")
		}
	}

	var out strings.Builder
	writeRow := func(cells []string) {
		out.WriteString("| ")
		out.WriteString(strings.Join(escapePipes(cells), " | "))
		out.WriteString(" |\n")
	}
	writeRow(rows[0])
	sep := make([]string, cols)
	for i := range sep {
		sep[i] = "---"
	}
	out.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return out.String()
}

func tableRowToCells(full string, r *documentaipb.Document_Page_Table_TableRow) []string {
	out := make([]string, 0, len(r.GetCells()))
	for _, c := range r.GetCells() {
		out = append(out, strings.TrimSpace(textFromAnchor(full, c.GetLayout().GetTextAnchor())))
	}
	return out
}

func escapePipes(row []string) []string {
	out := make([]string, len(row))
	for i, s := range row {
		out[i] = strings.ReplaceAll(s, "|", "\\|")
	}
	return out
}

func processorName(project, location, processorID, version string) string {
	project = strings.TrimSpace(project)
	location = strings.TrimSpace(location)
	processorID = strings.TrimSpace(processorID)
	version = strings.TrimSpace(version)

	if project == "" || location == "" || processorID == "" {
		return ""
	}
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}
