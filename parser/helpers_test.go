package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = quietLog
	return opts
}

func parseAll(t *testing.T, p Parser, name string, data []byte) []*Page {
	t.Helper()
	pages, err := Collect(p.Parse(context.Background(), Source{Name: name, R: bytes.NewReader(data)}))
	if err != nil {
		t.Fatalf("parsing %s: %v", name, err)
	}
	return pages
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// noisePNG encodes a PNG filled with pseudo-random pixels so it does not
// compress below the byte threshold. seed varies the content.
func noisePNG(t *testing.T, width, height int, seed uint32) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	x := seed*2654435761 + 1
	for i := range img.Pix {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		img.Pix[i] = byte(x)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding PNG: %v", err)
	}
	return buf.Bytes()
}

// solidPNG encodes a single-color PNG. It compresses to a few hundred bytes.
func solidPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 100, G: 150, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding PNG: %v", err)
	}
	return buf.Bytes()
}

// noiseJPEG encodes the noisePNG pattern as a JPEG; noise keeps it well
// above the byte threshold at any size worth testing.
func noiseJPEG(t *testing.T, width, height int, seed uint32) []byte {
	t.Helper()
	src, err := png.Decode(bytes.NewReader(noisePNG(t, width, height, seed)))
	if err != nil {
		t.Fatalf("decoding noise fixture: %v", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encoding JPEG: %v", err)
	}
	return buf.Bytes()
}

// ---------------------------------------------------------------------------
// OOXML packages
// ---------------------------------------------------------------------------

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		if err != nil {
			t.Fatalf("creating zip entry %s: %v", e.name, err)
		}
		if _, err := fw.Write(e.data); err != nil {
			t.Fatalf("writing zip entry %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
	return buf.Bytes()
}

type testRel struct {
	id, typ, target string
}

func relsXML(rels []testRel) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	for _, r := range rels {
		fmt.Fprintf(&b, `<Relationship Id="%s" Type="%s" Target="%s"/>`, r.id, r.typ, r.target)
	}
	b.WriteString(`</Relationships>`)
	return []byte(b.String())
}

const docxHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
            xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"
            xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"
            xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
            xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">
<w:body>`

// buildDOCX wraps body in a document part. media maps relationship ids to
// files under word/media/.
func buildDOCX(t *testing.T, body string, media map[string]zipEntry) []byte {
	t.Helper()
	entries := []zipEntry{{"word/document.xml", []byte(docxHeader + body + `</w:body></w:document>`)}}
	var rels []testRel
	for id, m := range media {
		rels = append(rels, testRel{id, relTypeImage, "media/" + m.name})
		entries = append(entries, zipEntry{"word/media/" + m.name, m.data})
	}
	if len(rels) > 0 {
		entries = append(entries, zipEntry{"word/_rels/document.xml.rels", relsXML(rels)})
	}
	return buildZip(t, entries)
}

func docxPara(text string) string {
	return `<w:p><w:r><w:t xml:space="preserve">` + text + `</w:t></w:r></w:p>`
}

func docxHeading(level int, text string) string {
	return fmt.Sprintf(`<w:p><w:pPr><w:pStyle w:val="Heading%d"/></w:pPr><w:r><w:t>%s</w:t></w:r></w:p>`, level, text)
}

func docxImage(rID, alt string) string {
	return `<w:p><w:r><w:drawing><wp:inline><wp:docPr id="1" name="Picture 1" descr="` + alt + `"/>` +
		`<a:graphic><a:graphicData><pic:pic><pic:blipFill><a:blip r:embed="` + rID + `"/></pic:blipFill></pic:pic>` +
		`</a:graphicData></a:graphic></wp:inline></w:drawing></w:r></w:p>`
}

func docxTable(rows ...[]string) string {
	var b strings.Builder
	b.WriteString("<w:tbl>")
	for _, row := range rows {
		b.WriteString("<w:tr>")
		for _, cell := range row {
			b.WriteString("<w:tc>" + docxPara(cell) + "</w:tc>")
		}
		b.WriteString("</w:tr>")
	}
	b.WriteString("</w:tbl>")
	return b.String()
}

const pptxNS = `xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" ` +
	`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" ` +
	`xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"`

// testSlide describes one slide of a generated deck. raw, when set, is
// used verbatim as the slide part.
type testSlide struct {
	file   string // defaults to slide<N>.xml
	shapes string
	notes  string
	images []zipEntry // embedded as rId10, rId11, ...
	raw    string
}

// buildPPTX writes a deck. With ordered set, presentation.xml lists the
// slides in the given order; otherwise it has no slide id list.
func buildPPTX(t *testing.T, slides []testSlide, ordered bool) []byte {
	t.Helper()
	var (
		entries  []zipEntry
		presRels []testRel
		sldIDs   strings.Builder
	)
	for i, s := range slides {
		file := s.file
		if file == "" {
			file = fmt.Sprintf("slide%d.xml", i+1)
		}
		part := "ppt/slides/" + file

		body := s.raw
		if body == "" {
			body = `<p:sld ` + pptxNS + `><p:cSld><p:spTree>` + s.shapes + `</p:spTree></p:cSld></p:sld>`
		}
		entries = append(entries, zipEntry{part, []byte(body)})

		var rels []testRel
		if s.notes != "" {
			notesPart := fmt.Sprintf("notesSlide%d.xml", i+1)
			rels = append(rels, testRel{"rId1", relTypeNotesSlide, "../notesSlides/" + notesPart})
			entries = append(entries, zipEntry{"ppt/notesSlides/" + notesPart, []byte(
				`<p:notes ` + pptxNS + `><p:cSld><p:spTree>` + pptxShapeXML("body", s.notes) + `</p:spTree></p:cSld></p:notes>`)})
		}
		for j, img := range s.images {
			rels = append(rels, testRel{fmt.Sprintf("rId%d", 10+j), relTypeImage, "../media/" + img.name})
			entries = append(entries, zipEntry{"ppt/media/" + img.name, img.data})
		}
		if len(rels) > 0 {
			entries = append(entries, zipEntry{"ppt/slides/_rels/" + file + ".rels", relsXML(rels)})
		}

		rID := fmt.Sprintf("rId%d", 100+i)
		presRels = append(presRels, testRel{rID, "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slide", "slides/" + file})
		fmt.Fprintf(&sldIDs, `<p:sldId id="%d" r:id="%s"/>`, 256+i, rID)
	}

	pres := `<p:presentation ` + pptxNS + `>`
	if ordered {
		pres += `<p:sldIdLst>` + sldIDs.String() + `</p:sldIdLst>`
	}
	pres += `</p:presentation>`
	entries = append(entries,
		zipEntry{"ppt/presentation.xml", []byte(pres)},
		zipEntry{"ppt/_rels/presentation.xml.rels", relsXML(presRels)},
	)
	return buildZip(t, entries)
}

// pptxShapeXML is a text shape. An empty ph makes a plain text box.
func pptxShapeXML(ph string, paras ...string) string {
	var b strings.Builder
	b.WriteString(`<p:sp><p:nvSpPr><p:cNvPr id="2" name="Shape"/><p:cNvSpPr/><p:nvPr>`)
	if ph != "" {
		b.WriteString(`<p:ph type="` + ph + `"/>`)
	}
	b.WriteString(`</p:nvPr></p:nvSpPr><p:txBody><a:bodyPr/>`)
	for _, p := range paras {
		b.WriteString(`<a:p><a:r><a:t>` + p + `</a:t></a:r></a:p>`)
	}
	b.WriteString(`</p:txBody></p:sp>`)
	return b.String()
}

func pptxPicture(rID, alt string) string {
	return `<p:pic><p:nvPicPr><p:cNvPr id="4" name="Picture" descr="` + alt + `"/><p:cNvPicPr/><p:nvPr/></p:nvPicPr>` +
		`<p:blipFill><a:blip r:embed="` + rID + `"/></p:blipFill></p:pic>`
}

func pptxTable(rows ...[]string) string {
	var b strings.Builder
	b.WriteString(`<p:graphicFrame><a:graphic><a:graphicData><a:tbl>`)
	for _, row := range rows {
		b.WriteString(`<a:tr>`)
		for _, cell := range row {
			b.WriteString(`<a:tc><a:txBody><a:p><a:r><a:t>` + cell + `</a:t></a:r></a:p></a:txBody></a:tc>`)
		}
		b.WriteString(`</a:tr>`)
	}
	b.WriteString(`</a:tbl></a:graphicData></a:graphic></p:graphicFrame>`)
	return b.String()
}

// ---------------------------------------------------------------------------
// PDF
// ---------------------------------------------------------------------------

// testPDFPage is either a text page or a page painted by one image
// covering scale of each MediaBox dimension. A text page with photo set
// also draws that JPEG at 200x200 points below the text.
type testPDFPage struct {
	text  string
	image bool
	scale float64
	photo []byte
}

// buildPDF writes a minimal PDF 1.4 file with a classic xref table. All
// image pages share one 2x2 gray image XObject. Pages inherit a 612x792
// MediaBox from the page tree root.
func buildPDF(t *testing.T, pages []testPDFPage) []byte {
	t.Helper()
	var buf bytes.Buffer
	offsets := []int{0}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}
	stream := func(dict, content string) string {
		return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(content), content)
	}

	buf.WriteString("%PDF-1.4\n")

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 5+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), len(pages)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	obj(stream("/Type /XObject /Subtype /Image /Width 2 /Height 2 /ColorSpace /DeviceGray /BitsPerComponent 8", "\x10\x40\x80\xf0"))

	// Photo XObjects follow the page objects.
	photoObj := make(map[int]int)
	next := 5 + 2*len(pages)
	for i, p := range pages {
		if p.photo != nil {
			photoObj[i] = next
			next++
		}
	}

	for i, p := range pages {
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", p.text)
		resources := "/Font << /F1 3 0 R >>"
		switch {
		case p.image:
			content = fmt.Sprintf("q %.2f 0 0 %.2f 0 0 cm /Im1 Do Q", 612*p.scale, 792*p.scale)
			resources = "/XObject << /Im1 4 0 R >>"
		case p.photo != nil:
			content += " q 200 0 0 200 72 400 cm /Ph1 Do Q"
			resources += fmt.Sprintf(" /XObject << /Ph1 %d 0 R >>", photoObj[i])
		}
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << %s >> /Contents %d 0 R >>", resources, 6+2*i))
		obj(stream("", content))
	}
	for _, p := range pages {
		if p.photo == nil {
			continue
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(p.photo))
		if err != nil {
			t.Fatalf("photo is not a JPEG: %v", err)
		}
		obj(stream(fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode",
			cfg.Width, cfg.Height), string(p.photo)))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets))
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

func textPage(n int) testPDFPage {
	return testPDFPage{text: fmt.Sprintf("Page %d discusses the maintenance schedule for pump assemblies in detail.", n)}
}

func scanPage() testPDFPage { return testPDFPage{image: true, scale: 0.9} }

func photoPage(n int, photo []byte) testPDFPage {
	p := textPage(n)
	p.photo = photo
	return p
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeRecognizer answers every page with "recognized <i>" and records each
// call it receives.
type fakeRecognizer struct {
	mu      sync.Mutex
	calls   []RemoteDocument
	err     error
	figures map[int][]RecognizedFigure
	short   int // drop this many pages from the answer
}

func (f *fakeRecognizer) Recognize(ctx context.Context, doc RemoteDocument) ([]RecognizedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, doc)
	if f.err != nil {
		return nil, f.err
	}
	n := doc.PageCount
	if n == 0 {
		n = 1
	}
	n -= f.short
	out := make([]RecognizedPage, max(n, 0))
	for i := range out {
		out[i] = RecognizedPage{Text: fmt.Sprintf("recognized %d", i), Figures: f.figures[i]}
	}
	return out, nil
}

// fakeSubsetter records the requested pages and returns a marker payload.
type fakeSubsetter struct {
	pages []int
	err   error
}

func (f *fakeSubsetter) Subset(data []byte, pages []int) ([]byte, error) {
	f.pages = append([]int(nil), pages...)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf("subset of %d pages", len(pages))), nil
}
