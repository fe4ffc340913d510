package parser

import (
	"log/slog"
	"strings"
)

// extractDOCXImages resolves the placed image references against the
// package media, filters them and attaches captioning context.
func extractDOCXImages(pkg *officePackage, layout docxLayout, c *imageCollector, log *slog.Logger) []*ImageOnPage {
	if len(layout.refs) == 0 {
		return nil
	}
	rels := pkg.rels("word/document.xml")

	var images []*ImageOnPage
	for _, placed := range layout.refs {
		data, ext, err := pkg.media(rels, placed.ref.rID)
		if err != nil {
			log.Debug("docx: image not resolved", "doc", c.doc, "rId", placed.ref.rID, "error", err)
			continue
		}
		img := c.admit(data, ext, placed.page)
		if img == nil {
			continue
		}
		var pageText string
		if placed.page < len(layout.pages) {
			pageText = layout.pages[placed.page]
		}
		c.setContext(img, placed.heading, pageText, placed.ref.alt)
		images = append(images, img)
	}
	return images
}

// extractPPTXImages runs once over the whole deck after the text pass.
// Each picture is tagged with its slide index and captioning context: the
// slide title and all slide text.
func extractPPTXImages(pkg *officePackage, parts []string, c *imageCollector, log *slog.Logger) []*ImageOnPage {
	var images []*ImageOnPage
	for i, part := range parts {
		data, err := pkg.read(part)
		if err != nil {
			continue
		}
		slide, err := readPPTXSlide(data)
		if err != nil {
			log.Debug("pptx: slide read partially for images", "doc", c.doc, "slide", i, "error", err)
		}
		if len(slide.pics) == 0 {
			continue
		}
		rels := pkg.rels(part)
		slideText := strings.Join(slide.texts, "\n")
		for _, pic := range slide.pics {
			data, ext, err := pkg.media(rels, pic.rID)
			if err != nil {
				log.Debug("pptx: image not resolved", "doc", c.doc, "slide", i, "rId", pic.rID, "error", err)
				continue
			}
			img := c.admit(data, ext, i)
			if img == nil {
				continue
			}
			c.setContext(img, slide.title, slideText, pic.alt)
			images = append(images, img)
		}
	}
	return images
}
