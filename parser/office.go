package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	nsWordML   = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsDrawingA = "http://schemas.openxmlformats.org/drawingml/2006/main"

	relTypeImage      = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
	relTypeNotesSlide = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/notesSlide"
)

// officePackage is an opened OOXML zip container.
type officePackage struct {
	files map[string]*zip.File
	order []string
}

func openPackage(data []byte) (*officePackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	pkg := &officePackage{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		pkg.files[f.Name] = f
		pkg.order = append(pkg.order, f.Name)
	}
	return pkg, nil
}

func (p *officePackage) has(name string) bool {
	_, ok := p.files[name]
	return ok
}

func (p *officePackage) read(name string) ([]byte, error) {
	f := p.files[name]
	if f == nil {
		return nil, fmt.Errorf("part %s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// officeRel is one resolved relationship of a part.
type officeRel struct {
	Type     string
	Target   string // package path, empty for external targets
	External bool
}

// officeRelationships represents the .rels XML structure.
type officeRelationships struct {
	XMLName xml.Name `xml:"Relationships"`
	Rels    []struct {
		ID         string `xml:"Id,attr"`
		Type       string `xml:"Type,attr"`
		Target     string `xml:"Target,attr"`
		TargetMode string `xml:"TargetMode,attr"`
	} `xml:"Relationship"`
}

// rels reads the relationships of part (e.g. word/document.xml reads
// word/_rels/document.xml.rels) with targets resolved to package paths.
// A part without relationships yields an empty map.
func (p *officePackage) rels(part string) map[string]officeRel {
	out := make(map[string]officeRel)
	dir, base := path.Split(part)
	data, err := p.read(dir + "_rels/" + base + ".rels")
	if err != nil {
		return out
	}
	var rs officeRelationships
	if err := xml.Unmarshal(data, &rs); err != nil {
		return out
	}
	for _, r := range rs.Rels {
		rel := officeRel{Type: r.Type}
		if strings.EqualFold(r.TargetMode, "External") {
			rel.External = true
		} else {
			rel.Target = resolvePartPath(dir, r.Target)
		}
		out[r.ID] = rel
	}
	return out
}

func resolvePartPath(dir, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(path.Clean(target), "/")
	}
	return path.Clean(path.Join(dir, target))
}

// media loads the bytes behind an image relationship.
func (p *officePackage) media(rels map[string]officeRel, rID string) ([]byte, string, error) {
	rel, ok := rels[rID]
	if !ok {
		return nil, "", fmt.Errorf("relationship %s not found", rID)
	}
	if rel.External {
		return nil, "", fmt.Errorf("relationship %s is external", rID)
	}
	data, err := p.read(rel.Target)
	if err != nil {
		return nil, "", err
	}
	return data, path.Ext(rel.Target), nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
