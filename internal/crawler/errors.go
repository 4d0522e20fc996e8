package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while another is active.
	ErrAlreadyRunning = errors.New("crawl already running")
	// ErrInvalidTransition rejects a status change that skips or reverses a stage.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrListPageUnavailable marks a source whose list page exhausted its retries.
	ErrListPageUnavailable = errors.New("list page unavailable")
	// ErrRendererDisabled indicates rendering has been disabled via configuration.
	ErrRendererDisabled = errors.New("renderer disabled")
	// ErrRecordNotFound is returned by gateways for unknown record ids.
	ErrRecordNotFound = errors.New("record not found")
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Blocked reports whether the status suggests the site rejects plain clients.
func (e *StatusError) Blocked() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}
