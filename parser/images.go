package parser

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MinImageBytes is the smallest encoded image kept; below it images are
	// bullets, rules and spacer pixels.
	MinImageBytes = 2048
	// MinImageDimension is the smallest width or height kept, in pixels.
	MinImageDimension = 50
	// ContextTextMaxChars caps the page text copied onto each image.
	ContextTextMaxChars = 2000
)

// ImageOptions tunes the noise filter applied to embedded images.
type ImageOptions struct {
	MinBytes            int `json:"min_bytes" yaml:"min_bytes"`
	MinDimension        int `json:"min_dimension" yaml:"min_dimension"`
	ContextTextMaxChars int `json:"context_text_max_chars" yaml:"context_text_max_chars"`
}

// DefaultImageOptions returns the stock filter thresholds.
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		MinBytes:            MinImageBytes,
		MinDimension:        MinImageDimension,
		ContextTextMaxChars: ContextTextMaxChars,
	}
}

// imageCollector filters, deduplicates and names the images of one
// document. Figure ids are assigned in admission order and never repeat
// within the document, whether issued locally or taken from a recognizer.
type imageCollector struct {
	opts    ImageOptions
	doc     string
	docBase string
	seen    map[[sha256.Size]byte]struct{}
	issued  map[string]struct{}
	next    int
	log     *slog.Logger

	// requireDecodable drops images whose header Go cannot read instead of
	// letting them skip the dimension check. PDF streams set it; office
	// packages keep undecodable media.
	requireDecodable bool
}

func newImageCollector(docName string, opts ImageOptions, log *slog.Logger) *imageCollector {
	base := filepath.Base(docName)
	return &imageCollector{
		opts:    opts,
		doc:     docName,
		docBase: strings.TrimSuffix(base, filepath.Ext(base)),
		seen:    make(map[[sha256.Size]byte]struct{}),
		issued:  make(map[string]struct{}),
		log:     log,
	}
}

// newPDFImageCollector is newImageCollector for images pulled out of PDF
// content streams.
func newPDFImageCollector(docName string, opts ImageOptions, log *slog.Logger) *imageCollector {
	c := newImageCollector(docName, opts, log)
	c.requireDecodable = true
	return c
}

// admit returns a named image for data, or nil when the image is vector
// art, too small, or a repeat of one already admitted.
func (c *imageCollector) admit(data []byte, ext string, pageNum int) *ImageOnPage {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if isVectorImage(ext) {
		c.log.Debug("image skipped", "doc", c.doc, "page", pageNum, "reason", "vector", "ext", ext)
		return nil
	}
	if len(data) < c.opts.MinBytes {
		c.log.Debug("image skipped", "doc", c.doc, "page", pageNum, "reason", "bytes", "size", len(data))
		return nil
	}
	w, h, ok := imageSize(data)
	switch {
	case !ok && c.requireDecodable:
		c.log.Debug("image skipped", "doc", c.doc, "page", pageNum, "reason", "undecodable", "ext", ext)
		return nil
	case ok && (w < c.opts.MinDimension || h < c.opts.MinDimension):
		c.log.Debug("image skipped", "doc", c.doc, "page", pageNum, "reason", "dimension", "width", w, "height", h)
		return nil
	}

	sum := sha256.Sum256(data)
	if _, dup := c.seen[sum]; dup {
		c.log.Debug("image skipped", "doc", c.doc, "page", pageNum, "reason", "duplicate")
		return nil
	}
	c.seen[sum] = struct{}{}

	id := c.nextLocalID()
	return &ImageOnPage{
		PageNum:     pageNum,
		FigureID:    id,
		Filename:    c.filename(id, ext),
		MIMEType:    mimeFromExt("." + ext),
		Bytes:       data,
		Placeholder: FigurePlaceholder(id),
	}
}

// figure converts a recognizer figure. Remote figures are already cropped
// to detected regions and skip the noise filter.
func (c *imageCollector) figure(f RecognizedFigure, pageNum int) *ImageOnPage {
	id := f.ID
	if id == "" {
		id = "fig_" + uuid.NewString()[:8]
	}
	id = c.claim(id)
	mime := f.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &ImageOnPage{
		PageNum:     pageNum,
		FigureID:    id,
		Filename:    c.filename(id, extFromMIME(mime)),
		MIMEType:    mime,
		Bytes:       f.Data,
		BBox:        f.BBox,
		Title:       f.Title,
		Placeholder: FigurePlaceholder(id),
	}
}

func (c *imageCollector) nextLocalID() string {
	for {
		c.next++
		id := fmt.Sprintf("img_%d", c.next)
		if _, taken := c.issued[id]; !taken {
			c.issued[id] = struct{}{}
			return id
		}
	}
}

// claim reserves id, suffixing _2, _3, ... when it is already in use.
func (c *imageCollector) claim(id string) string {
	candidate := id
	for n := 2; ; n++ {
		if _, taken := c.issued[candidate]; !taken {
			c.issued[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", id, n)
	}
}

func (c *imageCollector) filename(id, ext string) string {
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s_%s.%s", c.docBase, id, ext)
}

// setContext fills the captioning context, capping the page text.
func (c *imageCollector) setContext(img *ImageOnPage, title, text, alt string) {
	img.ContextTitle = strings.TrimSpace(title)
	img.ContextText = truncateRunes(strings.TrimSpace(text), c.opts.ContextTextMaxChars)
	img.AltText = strings.TrimSpace(alt)
}

// MergeImages attaches each image to the page with its PageNum. Images
// pointing past the last page land on the last page with a warning.
// Offsets are recomputed afterwards.
func MergeImages(docName string, pages []*Page, images []*ImageOnPage, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, img := range images {
		switch {
		case img.PageNum >= 0 && img.PageNum < len(pages):
			pages[img.PageNum].AttachImage(img)
		case len(pages) > 0:
			last := pages[len(pages)-1]
			log.Warn("image page out of range, attaching to last page",
				"doc", docName,
				"figure", img.FigureID,
				"page", img.PageNum,
				"last_page", last.PageNum,
			)
			last.AttachImage(img)
		default:
			log.Warn("image dropped, document has no pages", "doc", docName, "figure", img.FigureID)
		}
	}
	Reoffset(pages)
}

func isVectorImage(ext string) bool {
	switch ext {
	case "emf", "wmf", "x-emf", "x-wmf":
		return true
	}
	return false
}

// mimeFromExt returns the MIME type for common image extensions.
func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tiff", ".tif":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".jp2", ".jpx":
		return "image/jp2"
	default:
		return "application/octet-stream"
	}
}

func extFromMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// imageSize decodes only the header. ok is false for formats Go cannot
// read.
func imageSize(data []byte) (w, h int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
