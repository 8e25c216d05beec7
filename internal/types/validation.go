package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyBatch is returned when a bulk post carries no events.
var ErrEmptyBatch = errors.New("no events to post")

// ValidateBaseURL ensures the backend URL is absolute http(s).
func ValidateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base url %q: missing host", raw)
	}
	return nil
}

// ValidateEvents checks a batch before it is converted to memories.
func ValidateEvents(events []DailyEvent) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	for i, ev := range events {
		if strings.TrimSpace(ev.Content) == "" {
			return fmt.Errorf("event %d: content is required", i)
		}
		if ev.SimilarTo != nil && (*ev.SimilarTo < 0 || *ev.SimilarTo >= len(events)) {
			return fmt.Errorf("event %d: similarTo %d out of range", i, *ev.SimilarTo)
		}
	}
	return nil
}
