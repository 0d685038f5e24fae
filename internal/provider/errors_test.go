package provider

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  string
	}{
		{"unauthorized", 401, "auth"},
		{"forbidden", 403, "auth"},
		{"rate limited", 429, "rate_limit"},
		{"request timeout", 408, "transient"},
		{"server error", 500, "transient"},
		{"bad gateway", 502, "transient"},
		{"bad request", 400, "fatal"},
		{"not found", 404, "fatal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus("drive", tt.status, 0, nil)
			if got := ErrorClass(err); got != tt.class {
				t.Errorf("status %d: expected class %s, got %s", tt.status, tt.class, got)
			}
		})
	}
}

func TestClassifyStatusRetryAfter(t *testing.T) {
	err := ClassifyStatus("graph", 429, 45*time.Second, nil)

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfter != 45*time.Second {
		t.Errorf("expected 45s retry-after, got %s", rateErr.RetryAfter)
	}
}

func TestErrorClassInternal(t *testing.T) {
	if got := ErrorClass(errors.New("plain failure")); got != "internal" {
		t.Errorf("expected internal, got %s", got)
	}
}

func TestTaxonomyUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &TransientError{Provider: "drive", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
}
