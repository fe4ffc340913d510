package recognize

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"strings"
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
)

func anchor(full, part string) *documentaipb.Document_TextAnchor {
	i := strings.Index(full, part)
	return &documentaipb.Document_TextAnchor{
		TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{
			{StartIndex: int64(i), EndIndex: int64(i + len(part))},
		},
	}
}

func layout(full, part string) *documentaipb.Document_Page_Layout {
	return &documentaipb.Document_Page_Layout{TextAnchor: anchor(full, part)}
}

func pagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestConvertDocument(t *testing.T) {
	full := "Second page\nFirst heading\nFirst body\nName\nQty\nBolt\n4\n"
	doc := &documentaipb.Document{
		Text: full,
		Pages: []*documentaipb.Document_Page{
			{
				PageNumber: 2,
				Paragraphs: []*documentaipb.Document_Page_Paragraph{{Layout: layout(full, "Second page")}},
			},
			{
				PageNumber: 1,
				Paragraphs: []*documentaipb.Document_Page_Paragraph{
					{Layout: layout(full, "First heading")},
					{Layout: layout(full, "First body")},
				},
				Tables: []*documentaipb.Document_Page_Table{{
					HeaderRows: []*documentaipb.Document_Page_Table_TableRow{{
						Cells: []*documentaipb.Document_Page_Table_TableCell{
							{Layout: layout(full, "Name")}, {Layout: layout(full, "Qty")},
						},
					}},
					BodyRows: []*documentaipb.Document_Page_Table_TableRow{{
						Cells: []*documentaipb.Document_Page_Table_TableCell{
							{Layout: layout(full, "Bolt")}, {Layout: layout(full, "4\n")},
						},
					}},
				}},
				Image: &documentaipb.Document_Page_Image{Content: pagePNG(t, 100, 100), MimeType: "image/png"},
				VisualElements: []*documentaipb.Document_Page_VisualElement{
					{
						Type: "image",
						Layout: &documentaipb.Document_Page_Layout{BoundingPoly: &documentaipb.BoundingPoly{
							NormalizedVertices: []*documentaipb.NormalizedVertex{
								{X: 0.25, Y: 0.25}, {X: 0.75, Y: 0.25}, {X: 0.75, Y: 0.75}, {X: 0.25, Y: 0.75},
							},
						}},
					},
					{Type: "filled_checkbox"},
				},
			},
		},
	}

	pages := convertDocument(doc, slog.Default())
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].Text != "First heading\nFirst body" {
		t.Errorf("page 0 text = %q", pages[0].Text)
	}
	if pages[1].Text != "Second page" {
		t.Errorf("page 1 text = %q", pages[1].Text)
	}

	wantTable := "| Name | Qty |\n| --- | --- |\n| Bolt | 4 |"
	if len(pages[0].Tables) != 1 || pages[0].Tables[0] != wantTable {
		t.Errorf("tables = %q, want %q", pages[0].Tables, wantTable)
	}

	if len(pages[0].Figures) != 1 {
		t.Fatalf("figures = %d, want 1", len(pages[0].Figures))
	}
	fig := pages[0].Figures[0]
	if fig.BBox != [4]float64{0.25, 0.25, 0.75, 0.75} {
		t.Errorf("bbox = %v", fig.BBox)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(fig.Data))
	if err != nil {
		t.Fatalf("figure is not a png: %v", err)
	}
	if cfg.Width != 50 || cfg.Height != 50 {
		t.Errorf("crop = %dx%d, want 50x50", cfg.Width, cfg.Height)
	}
}

func TestConvertDocumentFallsBackToDocumentText(t *testing.T) {
	doc := &documentaipb.Document{
		Text:  "  only text  ",
		Pages: []*documentaipb.Document_Page{{PageNumber: 1}},
	}
	pages := convertDocument(doc, slog.Default())
	if len(pages) != 1 || pages[0].Text != "only text" {
		t.Fatalf("pages = %+v", pages)
	}
}

func TestFigureWithoutPageImageIsSkipped(t *testing.T) {
	doc := &documentaipb.Document{
		Pages: []*documentaipb.Document_Page{{
			PageNumber: 1,
			VisualElements: []*documentaipb.Document_Page_VisualElement{{
				Type: "figure",
				Layout: &documentaipb.Document_Page_Layout{BoundingPoly: &documentaipb.BoundingPoly{
					NormalizedVertices: []*documentaipb.NormalizedVertex{{X: 0, Y: 0}, {X: 1, Y: 1}},
				}},
			}},
		}},
	}
	pages := convertDocument(doc, slog.Default())
	if len(pages[0].Figures) != 0 {
		t.Errorf("figures = %d, want 0", len(pages[0].Figures))
	}
}

func TestProcessorName(t *testing.T) {
	tests := []struct {
		project, location, id, version string
		want                           string
	}{
		{"p", "us", "abc", "", "projects/p/locations/us/processors/abc"},
		{"p", "eu", "abc", "v2", "projects/p/locations/eu/processors/abc/processorVersions/v2"},
		{"", "us", "abc", "", ""},
		{"p", "us", " ", "", ""},
	}
	for _, tt := range tests {
		if got := processorName(tt.project, tt.location, tt.id, tt.version); got != tt.want {
			t.Errorf("processorName(%q,%q,%q,%q) = %q, want %q", tt.project, tt.location, tt.id, tt.version, got, tt.want)
		}
	}
}
