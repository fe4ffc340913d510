package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
)

func hybridOptions(rec Recognizer, sub Subsetter) Options {
	opts := testOptions()
	opts.PDFMode = PDFHybrid
	opts.Recognizer = rec
	opts.Subsetter = sub
	return opts
}

func TestHybridAllLocal(t *testing.T) {
	rec := &fakeRecognizer{}
	data := buildPDF(t, []testPDFPage{textPage(1), textPage(2), textPage(3)})
	pages := parseAll(t, NewHybridPDFParser(hybridOptions(rec, &fakeSubsetter{})), "manual.pdf", data)

	if len(rec.calls) != 0 {
		t.Errorf("recognizer called %d times for a text-only PDF", len(rec.calls))
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d", len(pages))
	}
	for i, p := range pages {
		if !strings.Contains(p.Text, fmt.Sprintf("Page %d discusses", i+1)) {
			t.Errorf("page %d text = %q", i, p.Text)
		}
	}
	if err := CheckOffsets(pages); err != nil {
		t.Error(err)
	}
}

func TestHybridSingleBatchedCall(t *testing.T) {
	var layout []testPDFPage
	var wantRemote []int
	for i := 0; i < 200; i++ {
		if i%10 == 3 {
			layout = append(layout, scanPage())
			wantRemote = append(wantRemote, i)
			continue
		}
		layout = append(layout, textPage(i+1))
	}
	rec := &fakeRecognizer{}
	sub := &fakeSubsetter{}
	pages := parseAll(t, NewHybridPDFParser(hybridOptions(rec, sub)), "big.pdf", buildPDF(t, layout))

	if len(rec.calls) != 1 {
		t.Fatalf("recognizer calls = %d, want exactly 1", len(rec.calls))
	}
	call := rec.calls[0]
	if call.PageCount != 20 || call.MIMEType != "application/pdf" || call.Name != "big.pdf" {
		t.Errorf("call = %s %s %d pages", call.Name, call.MIMEType, call.PageCount)
	}
	if !bytes.Equal(call.Data, []byte("subset of 20 pages")) {
		t.Errorf("recognizer got %q, want the sub-document", call.Data)
	}
	if !slices.Equal(sub.pages, wantRemote) {
		t.Errorf("subset pages = %v, want %v", sub.pages, wantRemote)
	}

	if len(pages) != 200 {
		t.Fatalf("pages = %d, want 200", len(pages))
	}
	for idx, orig := range wantRemote {
		if want := fmt.Sprintf("recognized %d", idx); pages[orig].Text != want {
			t.Errorf("page %d text = %q, want %q", orig, pages[orig].Text, want)
		}
	}
	if !strings.Contains(pages[0].Text, "Page 1 discusses") || !strings.Contains(pages[199].Text, "Page 200 discusses") {
		t.Errorf("local pages out of place: %q / %q", pages[0].Text, pages[199].Text)
	}
	if err := CheckOffsets(pages); err != nil {
		t.Error(err)
	}
}

func TestHybridRemoteFigures(t *testing.T) {
	rec := &fakeRecognizer{figures: map[int][]RecognizedFigure{
		0: {
			{ID: "fig_1", Data: []byte{1, 2, 3}, MIMEType: "image/png", BBox: [4]float64{.1, .1, .5, .5}},
		},
	}}
	data := buildPDF(t, []testPDFPage{textPage(1), scanPage()})
	pages := parseAll(t, NewHybridPDFParser(hybridOptions(rec, &fakeSubsetter{})), "mixed.pdf", data)

	p := pages[1]
	if len(p.Images) != 1 {
		t.Fatalf("images on remote page = %d", len(p.Images))
	}
	img := p.Images[0]
	if img.PageNum != 1 || img.FigureID != "fig_1" || img.ContextText != "recognized 0" {
		t.Errorf("figure = %+v", img)
	}
	if p.Text != "recognized 0\n"+FigurePlaceholder("fig_1") {
		t.Errorf("text = %q", p.Text)
	}
}

func TestHybridInlinedFigureNotDuplicated(t *testing.T) {
	rp := RecognizedPage{
		Text:    "Intro\n" + FigurePlaceholder("f1") + "\nOutro",
		Figures: []RecognizedFigure{{ID: "f1", Data: []byte{1}}},
	}
	page := recognizedPage(5, rp, newImageCollector("doc.pdf", DefaultImageOptions(), quietLog))
	if strings.Count(page.Text, FigurePlaceholder("f1")) != 1 {
		t.Errorf("placeholder count wrong: %q", page.Text)
	}
	if len(page.Images) != 1 || page.Images[0].PageNum != 5 {
		t.Errorf("images = %+v", page.Images)
	}
}

func TestHybridRemoteFailureIsFatal(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("503 service unavailable")}
	data := buildPDF(t, []testPDFPage{textPage(1), scanPage(), scanPage()})

	_, err := Collect(NewHybridPDFParser(hybridOptions(rec, &fakeSubsetter{})).Parse(context.Background(), Source{Name: "scan.pdf", R: bytes.NewReader(data)}))
	var rse *RemoteServiceError
	if !errors.As(err, &rse) || !errors.Is(err, ErrRemoteService) {
		t.Fatalf("err = %v, want RemoteServiceError", err)
	}
	if !slices.Equal(rse.Pages, []int{1, 2}) || rse.Document != "scan.pdf" {
		t.Errorf("error = %+v", rse)
	}
}

func TestHybridSubsetFailure(t *testing.T) {
	rec := &fakeRecognizer{}
	data := buildPDF(t, []testPDFPage{scanPage()})
	_, err := Collect(NewHybridPDFParser(hybridOptions(rec, &fakeSubsetter{err: errors.New("trim failed")})).Parse(context.Background(), Source{Name: "a.pdf", R: bytes.NewReader(data)}))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if len(rec.calls) != 0 {
		t.Error("recognizer called after subset failure")
	}
}

func TestHybridWithoutRecognizer(t *testing.T) {
	data := buildPDF(t, []testPDFPage{textPage(1), scanPage()})
	pages := parseAll(t, NewHybridPDFParser(hybridOptions(nil, &fakeSubsetter{})), "norec.pdf", data)
	if len(pages) != 2 || pages[1].Text != "" || pages[1].PageNum != 1 {
		t.Fatalf("pages = %d, remote page %+v", len(pages), pages[len(pages)-1])
	}
}

func TestHybridShortAnswer(t *testing.T) {
	rec := &fakeRecognizer{short: 1}
	data := buildPDF(t, []testPDFPage{scanPage(), textPage(2), scanPage()})
	pages := parseAll(t, NewHybridPDFParser(hybridOptions(rec, &fakeSubsetter{})), "short.pdf", data)

	if len(pages) != 3 {
		t.Fatalf("pages = %d", len(pages))
	}
	if pages[0].Text != "recognized 0" || pages[2].Text != "" {
		t.Errorf("texts = %q / %q", pages[0].Text, pages[2].Text)
	}
	if err := CheckOffsets(pages); err != nil {
		t.Error(err)
	}
}

func TestHybridCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := buildPDF(t, []testPDFPage{textPage(1)})
	_, err := Collect(NewHybridPDFParser(hybridOptions(nil, nil)).Parse(ctx, Source{Name: "c.pdf", R: bytes.NewReader(data)}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPDFMalformed(t *testing.T) {
	for _, p := range []Parser{
		NewHybridPDFParser(hybridOptions(nil, nil)),
		NewLocalPDFParser(testOptions()),
	} {
		_, err := Collect(p.Parse(context.Background(), Source{Name: "junk.pdf", R: strings.NewReader("%PDF-1.4\nnot really")}))
		var fe *FormatError
		if !errors.As(err, &fe) || fe.Format != "pdf" {
			t.Errorf("%T: err = %v, want pdf FormatError", p, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Local-only PDF
// ---------------------------------------------------------------------------

func TestLocalPDFNeverEscalates(t *testing.T) {
	data := buildPDF(t, []testPDFPage{textPage(1), scanPage(), textPage(3)})
	opts := testOptions()
	opts.PDFMode = PDFLocal
	opts.Recognizer = &fakeRecognizer{}
	pages := parseAll(t, NewLocalPDFParser(opts), "local.pdf", data)

	if len(pages) != 3 {
		t.Fatalf("pages = %d", len(pages))
	}
	if pages[1].Text != "" {
		t.Errorf("scan page text = %q, want empty", pages[1].Text)
	}
	if calls := opts.Recognizer.(*fakeRecognizer).calls; len(calls) != 0 {
		t.Errorf("recognizer called %d times", len(calls))
	}
	if err := CheckOffsets(pages); err != nil {
		t.Error(err)
	}
}

func TestLocalPDFIsStreamed(t *testing.T) {
	data := buildPDF(t, []testPDFPage{textPage(1), textPage(2), textPage(3)})
	seq := NewLocalPDFParser(testOptions()).Parse(context.Background(), Source{Name: "s.pdf", R: bytes.NewReader(data)})
	var seen []int
	for p, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		seen = append(seen, p.PageNum)
		if len(seen) == 2 {
			break
		}
	}
	if !slices.Equal(seen, []int{0, 1}) {
		t.Errorf("seen = %v", seen)
	}
	if _, err := Collect(seq); !errors.Is(err, ErrSequenceConsumed) {
		t.Errorf("second range err = %v", err)
	}
}
