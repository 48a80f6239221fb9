package engine

import (
	"regexp"
	"strings"

	"github.com/wrenchai/wrench/internal/assemble"
)

// reconcileCitations checks every marker in the generated text against the
// assembled citations. Markers with no matching citation are stripped from
// the text; citations the text never references are dropped from the
// answer. Returns the cleaned text, the cited subset in marker order, and
// the number of stripped markers.
func reconcileCitations(marker *regexp.Regexp, text string, citations []assemble.Citation) (string, []assemble.Citation, int) {
	known := make(map[string]int, len(citations))
	for i, c := range citations {
		known[c.Marker] = i
	}

	stripped := 0
	for _, m := range marker.FindAllString(text, -1) {
		if _, ok := known[m]; ok {
			continue
		}
		count := strings.Count(text, m)
		text = strings.ReplaceAll(text, m, "")
		stripped += count
	}
	if stripped > 0 {
		text = collapseSpaces(text)
	}

	var cited []assemble.Citation
	for _, c := range citations {
		if strings.Contains(text, c.Marker) {
			cited = append(cited, c)
		}
	}
	return text, cited, stripped
}

var doubleSpace = regexp.MustCompile(`  +`)

// collapseSpaces tidies the holes left by stripped markers.
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(doubleSpace.ReplaceAllString(line, " "), " ")
	}
	return strings.Join(lines, "\n")
}
