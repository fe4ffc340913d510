package parser

import (
	"context"
	"iter"
	"log/slog"
	"strings"
)

// hybridState is the orchestrator's position in one document run.
type hybridState int

const (
	stateRouting hybridState = iota
	stateBatching
	stateDispatching
	stateMerging
	stateDone
)

func (s hybridState) String() string {
	return [...]string{"routing", "batching", "dispatching", "merging", "done"}[s]
}

// HybridPDFParser extracts text-bearing pages locally and sends the rest
// (scans, image-only and near-empty pages) to the recognizer in a single
// call over a sub-document holding just those pages.
type HybridPDFParser struct {
	opts      Options
	log       *slog.Logger
	subsetter Subsetter
}

func NewHybridPDFParser(opts Options) *HybridPDFParser {
	s := opts.Subsetter
	if s == nil {
		s = PDFCPUSubsetter{}
	}
	return &HybridPDFParser{opts: opts, log: opts.logger(), subsetter: s}
}

func (p *HybridPDFParser) Formats() []string { return []string{"pdf"} }

func (p *HybridPDFParser) Parse(ctx context.Context, src Source) iter.Seq2[*Page, error] {
	return fromSlice(func() ([]*Page, error) {
		data, err := readSource(src)
		if err != nil {
			return nil, err
		}
		doc, err := openPDF(src.Name, data)
		if err != nil {
			return nil, err
		}
		run := &hybridRun{
			parser:    p,
			doc:       doc,
			slots:     make([]*Page, doc.pages),
			collector: newPDFImageCollector(src.Name, p.opts.Images, p.log),
		}
		return run.execute(ctx)
	})
}

// hybridRun holds the per-document state. slots is indexed by original
// page number; every slot is filled before the run reaches done.
type hybridRun struct {
	parser    *HybridPDFParser
	doc       *pdfDocument
	state     hybridState
	slots     []*Page
	remote    []int
	collector *imageCollector
}

func (r *hybridRun) enter(s hybridState) {
	r.state = s
	r.parser.log.Debug("hybrid pdf", "doc", r.doc.name, "state", s.String())
}

func (r *hybridRun) execute(ctx context.Context) ([]*Page, error) {
	r.enter(stateRouting)
	if err := r.route(ctx); err != nil {
		return nil, err
	}
	r.parser.log.Info("hybrid pdf routed",
		"doc", r.doc.name,
		"pages_local", len(r.slots)-len(r.remote),
		"pages_remote", len(r.remote),
	)

	if len(r.remote) > 0 {
		if err := r.escalate(ctx); err != nil {
			return nil, err
		}
	}

	r.enter(stateDone)
	Reoffset(r.slots)
	return r.slots, nil
}

// route classifies every page and builds the local ones in place.
func (r *hybridRun) route(ctx context.Context) error {
	log := r.parser.log
	var local []*Page
	for i := 0; i < r.doc.pages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := r.doc.text(i)
		if err != nil {
			PartialExtractionWarning{Document: r.doc.name, PageNum: i, Unit: "page", Err: err}.log(log)
		}
		signals, err := r.doc.signals(i, text)
		if err != nil {
			PartialExtractionWarning{Document: r.doc.name, PageNum: i, Unit: "page content", Err: err}.log(log)
		}
		d := Classify(r.parser.opts.Triage, signals)
		log.Debug("page triaged",
			"doc", r.doc.name,
			"page", i,
			"route", d.Route.String(),
			"reason", d.Reason,
			"chars", signals.TextChars,
			"coverage", d.Coverage,
		)
		if d.Route == RouteRemote {
			r.remote = append(r.remote, i)
			continue
		}
		r.slots[i] = &Page{PageNum: i, Text: text}
		local = append(local, r.slots[i])
	}

	if len(local) == 0 {
		return nil
	}
	images, err := r.doc.images()
	if err != nil {
		PartialExtractionWarning{Document: r.doc.name, PageNum: -1, Unit: "images", Err: err}.log(log)
		return nil
	}
	for _, page := range local {
		attachLocalImages(page, images[page.PageNum], r.collector)
	}
	return nil
}

// escalate batches the remote pages, makes the one recognizer call and
// merges the results back by original page number.
func (r *hybridRun) escalate(ctx context.Context) error {
	log := r.parser.log
	rec := r.parser.opts.Recognizer

	r.enter(stateBatching)
	if rec == nil {
		log.Warn("no recognizer configured, escalated pages left empty",
			"doc", r.doc.name,
			"pages", r.remote,
		)
		for _, i := range r.remote {
			r.slots[i] = &Page{PageNum: i}
		}
		return nil
	}
	sub, err := r.parser.subsetter.Subset(r.doc.data, r.remote)
	if err != nil {
		return &FormatError{Document: r.doc.name, Format: "pdf", Err: err}
	}

	r.enter(stateDispatching)
	results, err := rec.Recognize(ctx, RemoteDocument{
		Name:      r.doc.name,
		MIMEType:  "application/pdf",
		Data:      sub,
		PageCount: len(r.remote),
	})
	if err != nil {
		return &RemoteServiceError{Document: r.doc.name, Pages: r.remote, Err: err}
	}

	r.enter(stateMerging)
	if len(results) != len(r.remote) {
		log.Warn("recognizer page count mismatch",
			"doc", r.doc.name,
			"submitted", len(r.remote),
			"returned", len(results),
		)
	}
	for idx, orig := range r.remote {
		if idx >= len(results) {
			r.slots[orig] = &Page{PageNum: orig}
			continue
		}
		r.slots[orig] = recognizedPage(orig, results[idx], r.collector)
	}
	return nil
}

// recognizedPage converts one recognizer page into a Page numbered pageNum.
// Figures whose placeholder the service did not inline are appended.
func recognizedPage(pageNum int, rp RecognizedPage, c *imageCollector) *Page {
	page := &Page{PageNum: pageNum, Text: strings.TrimSpace(rp.Text), Tables: rp.Tables}
	text := page.Text
	for _, f := range rp.Figures {
		img := c.figure(f, pageNum)
		c.setContext(img, "", text, "")
		if f.ID != "" && img.FigureID != f.ID {
			// Renamed to stay unique; point the inlined placeholder at the new id.
			page.Text = strings.Replace(page.Text, FigurePlaceholder(f.ID), img.Placeholder, 1)
		}
		if strings.Contains(page.Text, img.Placeholder) {
			page.Images = append(page.Images, img)
			continue
		}
		page.AttachImage(img)
	}
	return page
}
