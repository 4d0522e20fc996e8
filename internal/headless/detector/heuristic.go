// Package detector decides when a directly fetched page needs a browser render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultThreshold is the visible-text length below which a page counts as thin.
const DefaultThreshold = 2048

// Heuristic implements crawler.HeadlessDetector. A page is promoted when it
// carries no readable text, or when its text is thin and the markup looks
// like a client-side application shell.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold selects DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var hydrationMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether a successful direct response should be
// rendered again in a browser.
func (h *Heuristic) ShouldPromote(statusCode int, body []byte) bool {
	if statusCode != http.StatusOK {
		return false
	}
	s := scan(body)
	if s.text == 0 {
		return true
	}
	if s.text >= h.BodyLengthThreshold {
		return false
	}
	if len(body) > 0 && s.script*4 >= len(body) {
		return true
	}
	for _, marker := range hydrationMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

type pageStats struct {
	text   int // visible, whitespace-trimmed text bytes
	script int // bytes inside <script> elements, tags included
}

// scan tokenizes body once. Text inside script, style, noscript and template
// elements is not visible.
func scan(body []byte) pageStats {
	var (
		stats  pageStats
		hidden int
		inside bool
		start  int
		offset int
	)
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		raw := len(z.Raw())
		switch tt {
		case html.ErrorToken:
			if inside {
				stats.script += offset - start
			}
			return stats
		case html.StartTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script:
				inside, start = true, offset
				hidden++
			case atom.Style, atom.Noscript, atom.Template:
				hidden++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script:
				if inside {
					stats.script += offset + raw - start
					inside = false
				}
				hidden = max(hidden-1, 0)
			case atom.Style, atom.Noscript, atom.Template:
				hidden = max(hidden-1, 0)
			}
		case html.TextToken:
			if hidden == 0 {
				stats.text += len(strings.TrimSpace(string(z.Text())))
			}
		}
		offset += raw
	}
}
