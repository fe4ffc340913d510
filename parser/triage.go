package parser

import (
	"fmt"
	"math"

	"github.com/ledongthuc/pdf"
)

// Route is where a PDF page's content is extracted.
type Route int

const (
	RouteLocal Route = iota
	RouteRemote
)

func (r Route) String() string {
	if r == RouteRemote {
		return "remote"
	}
	return "local"
}

// TriageConfig holds the per-page escalation thresholds.
type TriageConfig struct {
	// MinTextChars is the least locally extracted text (trimmed, in
	// characters) for a page to stay local.
	MinTextChars int `json:"min_text_chars" yaml:"min_text_chars"`
	// ScanCoverageRatio is the page fraction a single image must exceed
	// for a near-textless page to count as a scan.
	ScanCoverageRatio float64 `json:"scan_coverage_ratio" yaml:"scan_coverage_ratio"`
}

func DefaultTriageConfig() TriageConfig {
	return TriageConfig{MinTextChars: 50, ScanCoverageRatio: 0.5}
}

// PageSignals are the cheap local measurements triage decides on.
type PageSignals struct {
	TextChars  int
	PageArea   float64
	ImageAreas []float64
}

// Decision is a triage outcome and the rule that produced it.
type Decision struct {
	Route    Route
	Reason   string
	Coverage float64 // largest single image / page area
}

const (
	reasonDominantImage    = "dominant-image"
	reasonInsufficientText = "insufficient-text"
	reasonText             = "text"
)

// Classify applies the rules in order: a near-textless page dominated by
// one image is a scan; a near-textless page is escalated anyway; anything
// else stays local. A page with no usable area is judged on text alone.
func Classify(cfg TriageConfig, s PageSignals) Decision {
	coverage := 0.0
	if s.PageArea > 0 {
		for _, a := range s.ImageAreas {
			coverage = math.Max(coverage, a/s.PageArea)
		}
	}
	if s.TextChars < cfg.MinTextChars {
		if coverage > cfg.ScanCoverageRatio {
			return Decision{Route: RouteRemote, Reason: reasonDominantImage, Coverage: coverage}
		}
		return Decision{Route: RouteRemote, Reason: reasonInsufficientText, Coverage: coverage}
	}
	return Decision{Route: RouteLocal, Reason: reasonText, Coverage: coverage}
}

// maxFormDepth bounds recursion into nested Form XObjects.
const maxFormDepth = 4

type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m×n in PDF row-vector convention.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

// area is the size of the unit square mapped through m.
func (m matrix) area() float64 { return math.Abs(m[0]*m[3] - m[1]*m[2]) }

func matrixFrom(v pdf.Value) (matrix, bool) {
	if v.Kind() != pdf.Array || v.Len() != 6 {
		return matrix{}, false
	}
	var m matrix
	for i := range m {
		m[i] = v.Index(i).Float64()
	}
	return m, true
}

// pageArea reads the MediaBox, following inherited values up the page tree.
func pageArea(page pdf.Page) float64 {
	for v := page.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Kind() != pdf.Array || box.Len() != 4 {
			continue
		}
		w := box.Index(2).Float64() - box.Index(0).Float64()
		h := box.Index(3).Float64() - box.Index(1).Float64()
		return math.Abs(w * h)
	}
	return 0
}

// placedImageAreas returns the on-page area of every image XObject the
// page paints, tracking the CTM through q/Q/cm and into Form XObjects.
func placedImageAreas(page pdf.Page) (areas []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("content stream: %v", r)
		}
	}()
	contents := page.V.Key("Contents")
	if contents.IsNull() {
		return nil, nil
	}
	scanContent(contents, page.Resources(), identity, 0, &areas)
	return areas, nil
}

func scanContent(strm, resources pdf.Value, ctm matrix, depth int, areas *[]float64) {
	var saved []matrix
	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		n := stk.Len()
		args := make([]pdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}

		switch op {
		case "q":
			saved = append(saved, ctm)
		case "Q":
			if len(saved) > 0 {
				ctm = saved[len(saved)-1]
				saved = saved[:len(saved)-1]
			}
		case "cm":
			if len(args) != 6 {
				return
			}
			var m matrix
			for i := range m {
				m[i] = args[i].Float64()
			}
			ctm = m.mul(ctm)
		case "Do":
			if len(args) != 1 {
				return
			}
			xobj := resources.Key("XObject").Key(args[0].Name())
			switch xobj.Key("Subtype").Name() {
			case "Image":
				*areas = append(*areas, ctm.area())
			case "Form":
				if depth >= maxFormDepth {
					return
				}
				formCTM := ctm
				if m, ok := matrixFrom(xobj.Key("Matrix")); ok {
					formCTM = m.mul(ctm)
				}
				formRes := xobj.Key("Resources")
				if formRes.IsNull() {
					formRes = resources
				}
				scanContent(xobj, formRes, formCTM, depth+1, areas)
			}
		}
	})
}
