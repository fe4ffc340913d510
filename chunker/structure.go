package chunker

import (
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Page text units
// ---------------------------------------------------------------------------

type unitKind int

const (
	unitText unitKind = iota
	unitHeading
	unitTable
	unitFigure
)

// unit is a run of page text the splitter never breaks across chunks,
// except for prose, which may be cut at sentence boundaries.
type unit struct {
	kind unitKind
	text string
}

var (
	headingPattern = regexp.MustCompile(`^#{1,6}\s+\S`)
	figurePattern  = regexp.MustCompile(`<figure id="([^"]+)"></figure>`)
)

// splitUnits breaks page text into lines and groups consecutive table rows
// into a single unit. Blank lines are dropped.
func splitUnits(text string) []unit {
	var units []unit
	var table []string
	flushTable := func() {
		if len(table) > 0 {
			units = append(units, unit{kind: unitTable, text: strings.Join(table, "\n")})
			table = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flushTable()
			continue
		}
		if isTableLine(line) {
			table = append(table, line)
			continue
		}
		flushTable()
		switch {
		case headingPattern.MatchString(line):
			units = append(units, unit{kind: unitHeading, text: line})
		case isFigureLine(line):
			units = append(units, unit{kind: unitFigure, text: line})
		default:
			units = append(units, unit{kind: unitText, text: line})
		}
	}
	flushTable()
	return units
}

// isTableLine matches markdown pipe rows and the "a | b" rows the office
// parsers emit for table rows.
func isTableLine(line string) bool {
	if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && len(line) > 1 {
		return true
	}
	return strings.Contains(line, " | ")
}

func isFigureLine(line string) bool {
	return figurePattern.ReplaceAllString(line, "") == ""
}

// headingText strips the markdown marker from a heading line.
func headingText(line string) string {
	return strings.TrimSpace(strings.TrimLeft(line, "#"))
}

// FigureIDs returns the ids of the figure placeholders in text, in order.
func FigureIDs(text string) []string {
	matches := figurePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m[1]
	}
	return ids
}

// ---------------------------------------------------------------------------
// Chunk type classification
// ---------------------------------------------------------------------------

// ContentType classifies a chunk body as "table", "figure", "section" (it
// opens with a heading) or "paragraph".
func ContentType(text string) string {
	units := splitUnits(text)
	if len(units) == 0 {
		return "paragraph"
	}
	allFigures, allTables := true, true
	for _, u := range units {
		allFigures = allFigures && u.kind == unitFigure
		allTables = allTables && u.kind == unitTable
	}
	switch {
	case allTables:
		return "table"
	case allFigures:
		return "figure"
	case units[0].kind == unitHeading:
		return "section"
	}
	return "paragraph"
}
