package parser

import (
	"fmt"
	"sort"
)

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds the parser set for opts: DOCX and PPTX are always
// parsed locally, PDF follows opts.PDFMode, and spreadsheets and raster
// images always go to the recognizer.
func NewRegistry(opts Options) *Registry {
	r := &Registry{parsers: make(map[string]Parser)}

	var pdf Parser
	switch opts.PDFMode {
	case PDFLocal:
		pdf = NewLocalPDFParser(opts)
	case PDFHybrid:
		pdf = NewHybridPDFParser(opts)
	default:
		pdf = NewRemoteParser(opts, "pdf")
	}

	for _, p := range []Parser{
		pdf,
		NewDOCXParser(opts),
		NewPPTXParser(opts),
		NewRemoteParser(opts, RemoteOnlyFormats...),
	} {
		r.add(p)
	}
	return r
}

func (r *Registry) add(p Parser) {
	for _, f := range p.Formats() {
		r.parsers[f] = p
	}
}

// Get returns the parser registered for format (an extension without dot).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

// ForFile selects a parser by the extension of name.
func (r *Registry) ForFile(name string) (Parser, error) {
	return r.Get(FormatOf(name))
}

// Register adds or replaces the parser for format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Formats lists the registered extensions, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
