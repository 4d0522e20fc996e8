package headless

import (
	"context"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// Disabled stands in for the browser when headless rendering is turned off.
type Disabled struct{}

// NewDisabled creates a new Disabled renderer.
func NewDisabled() Disabled {
	return Disabled{}
}

// Render always fails with crawler.ErrRendererDisabled.
func (Disabled) Render(_ context.Context, _ string) (string, error) {
	return "", crawler.ErrRendererDisabled
}
