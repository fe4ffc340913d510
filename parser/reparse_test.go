package parser

import (
	"slices"
	"testing"
)

// pageShape is what a repeat parse must reproduce exactly.
type pageShape struct {
	num, offset int
	text        string
	figures     []string
}

func shapeOf(pages []*Page) []pageShape {
	out := make([]pageShape, len(pages))
	for i, p := range pages {
		s := pageShape{num: p.PageNum, offset: p.Offset, text: p.Text}
		for _, img := range p.Images {
			s.figures = append(s.figures, img.FigureID)
		}
		out[i] = s
	}
	return out
}

// checkOffsetRoundTrip slices every page back out of the document text.
func checkOffsetRoundTrip(t *testing.T, pages []*Page) {
	t.Helper()
	if err := CheckOffsets(pages); err != nil {
		t.Fatal(err)
	}
	doc := []rune(DocumentText(pages))
	for _, p := range pages {
		end := p.Offset + p.Len()
		if end > len(doc) {
			t.Fatalf("page %d runs past the document end (%d > %d)", p.PageNum, end, len(doc))
		}
		if got := string(doc[p.Offset:end]); got != p.Text {
			t.Errorf("page %d: document[%d:%d] = %q, want %q", p.PageNum, p.Offset, end, got, p.Text)
		}
	}
}

func TestReparseIsStable(t *testing.T) {
	photo := noiseJPEG(t, 200, 200, 21)
	pdfData := buildPDF(t, []testPDFPage{textPage(1), scanPage(), photoPage(3, photo), scanPage()})

	docxData := buildDOCX(t,
		docxHeading(1, "Overview")+
			docxPara("The controller talks to every pump.")+
			docxTable([]string{"Pump", "Flow"}, []string{"P1", "12"})+
			docxImage("rId1", "Layout")+
			docxHeading(1, "Maintenance")+
			docxPara("Grease bearings every quarter."),
		map[string]zipEntry{"rId1": {"image1.png", noisePNG(t, 80, 80, 22)}},
	)

	pptxData := buildPPTX(t, []testSlide{
		{shapes: pptxShapeXML("title", "Quarterly review"), notes: "Open with the headline."},
		{
			shapes: pptxShapeXML("title", "Flow") + pptxShapeXML("body", "Up 4 percent") +
				pptxTable([]string{"Site", "m3"}, []string{"North", "410"}) +
				pptxPicture("rId10", "Flow chart"),
			images: []zipEntry{{"image1.png", noisePNG(t, 90, 60, 23)}},
		},
		{shapes: pptxShapeXML("body", "Questions")},
	}, true)

	tests := []struct {
		name   string
		parser Parser
		file   string
		data   []byte
	}{
		{"local pdf", NewLocalPDFParser(testOptions()), "mixed.pdf", pdfData},
		{"hybrid pdf", NewHybridPDFParser(hybridOptions(&fakeRecognizer{}, &fakeSubsetter{})), "mixed.pdf", pdfData},
		{"docx", NewDOCXParser(testOptions()), "manual.docx", docxData},
		{"pptx", NewPPTXParser(testOptions()), "review.pptx", pptxData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := parseAll(t, tt.parser, tt.file, tt.data)
			second := parseAll(t, tt.parser, tt.file, tt.data)

			if len(first) == 0 {
				t.Fatal("no pages")
			}
			a, b := shapeOf(first), shapeOf(second)
			if len(a) != len(b) {
				t.Fatalf("page count %d then %d", len(a), len(b))
			}
			for i := range a {
				if a[i].num != b[i].num || a[i].offset != b[i].offset || a[i].text != b[i].text {
					t.Errorf("page %d differs:\n first  %d@%d %q\n second %d@%d %q",
						i, a[i].num, a[i].offset, a[i].text, b[i].num, b[i].offset, b[i].text)
				}
				if !slices.Equal(a[i].figures, b[i].figures) {
					t.Errorf("page %d figures %v then %v", i, a[i].figures, b[i].figures)
				}
			}

			var figures int
			for _, s := range a {
				figures += len(s.figures)
			}
			if figures == 0 {
				t.Error("fixture produced no figures")
			}

			checkOffsetRoundTrip(t, first)
			checkOffsetRoundTrip(t, second)
		})
	}
}
