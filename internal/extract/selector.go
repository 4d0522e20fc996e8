// Package extract evaluates XPath selectors against rendered documents to
// produce item links and article fields.
package extract

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// selectorCache keeps a pool of compiled copies per expression; sites reuse
// the same selectors for every detail page. Expr.Evaluate mutates the
// compiled query, so a copy serves one document at a time.
type selectorCache struct {
	pools sync.Map
}

// acquire returns a compiled expression owned by the caller until release
// is called.
func (c *selectorCache) acquire(expr string) (*xpath.Expr, func(), error) {
	if v, ok := c.pools.Load(expr); ok {
		pool := v.(*sync.Pool)
		compiled := pool.Get().(*xpath.Expr)
		return compiled, func() { pool.Put(compiled) }, nil
	}
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("compile %q: %w", expr, err)
	}
	v, _ := c.pools.LoadOrStore(expr, &sync.Pool{New: func() any {
		// expr already compiled once above
		fresh, _ := xpath.Compile(expr)
		return fresh
	}})
	pool := v.(*sync.Pool)
	return compiled, func() { pool.Put(compiled) }, nil
}

// evaluate returns every value the expression selects. Scalar expressions
// such as string(...) or count(...) yield a single value.
func (c *selectorCache) evaluate(doc *html.Node, expr string) ([]string, error) {
	compiled, release, err := c.acquire(expr)
	if err != nil {
		return nil, err
	}
	defer release()
	switch v := compiled.Evaluate(htmlquery.CreateXPathNavigator(doc)).(type) {
	case string:
		return nonEmpty(v), nil
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case bool:
		return []string{strconv.FormatBool(v)}, nil
	case *xpath.NodeIterator:
		var out []string
		for _, node := range htmlquery.QuerySelectorAll(doc, compiled) {
			out = append(out, nonEmpty(htmlquery.InnerText(node))...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result %T for %q", v, expr)
	}
}

// links is like evaluate but reads href or src from matched link and image elements.
func (c *selectorCache) links(doc *html.Node, expr string) ([]string, error) {
	compiled, release, err := c.acquire(expr)
	if err != nil {
		return nil, err
	}
	if _, ok := compiled.Evaluate(htmlquery.CreateXPathNavigator(doc)).(*xpath.NodeIterator); !ok {
		release()
		return c.evaluate(doc, expr)
	}
	defer release()
	var out []string
	for _, node := range htmlquery.QuerySelectorAll(doc, compiled) {
		var value string
		switch {
		case node.Type == html.ElementNode && (node.Data == "a" || node.Data == "link"):
			value = htmlquery.SelectAttr(node, "href")
		case node.Type == html.ElementNode && node.Data == "img":
			value = htmlquery.SelectAttr(node, "src")
		default:
			// attribute matches arrive as synthetic nodes whose text is the value
			value = htmlquery.InnerText(node)
		}
		out = append(out, nonEmpty(value)...)
	}
	return out, nil
}

func nonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return []string{s}
}
