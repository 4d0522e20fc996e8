package headless

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// viewSourceMarker appears only in the browser's source viewer markup.
const viewSourceMarker = "line-gutter-backdrop"

const lineWrapLabel = "Line wrap"

// Normalize turns a serialized browser document into plain markup. Escape
// sequences are decoded first. Source-viewer output is then reduced to the
// text of its source lines, which strips the viewer's tags and decodes
// entities; any other document only loses its wrapping quotes.
func Normalize(raw string) string {
	s := unescape(raw)
	if !strings.Contains(s, viewSourceMarker) {
		return trimQuotes(s)
	}
	text := strings.TrimSpace(viewSourceText(s))
	text = strings.TrimSpace(strings.TrimPrefix(text, lineWrapLabel))
	return trimQuotes(text)
}

func viewSourceText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(trimQuotes(s)))
	if err != nil {
		return s
	}
	lines := doc.Find("td.line-content")
	if lines.Length() == 0 {
		return doc.Text()
	}
	out := make([]string, 0, lines.Length())
	lines.Each(func(_ int, sel *goquery.Selection) {
		out = append(out, sel.Text())
	})
	return strings.Join(out, "\n")
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// unescape decodes the JSON-style escapes a script-serialized string carries.
// Unknown sequences are kept verbatim.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch next {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case '"', '\\', '/', '\'':
			b.WriteByte(next)
		case 'u':
			if i+6 <= len(s) {
				if code, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					r := rune(code)
					// a high surrogate pairs with a following \uDC00-\uDFFF escape
					if utf16.IsSurrogate(r) && i+12 <= len(s) && s[i+6] == '\\' && s[i+7] == 'u' {
						if low, err := strconv.ParseUint(s[i+8:i+12], 16, 32); err == nil {
							if pair := utf16.DecodeRune(r, rune(low)); pair != utf8.RuneError {
								b.WriteRune(pair)
								i += 11
								continue
							}
						}
					}
					b.WriteRune(r)
					i += 5
					continue
				}
			}
			b.WriteByte(c)
			b.WriteByte(next)
		default:
			b.WriteByte(c)
			b.WriteByte(next)
		}
		i++
	}
	return b.String()
}
