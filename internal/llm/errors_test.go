package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		statusCode int
		want       Category
	}{
		{"rate limited by status", "too many requests", 429, CategoryRateLimit},
		{"payment required", "billing issue", 402, CategoryQuotaExceeded},
		{"forbidden without key mention", "caller does not have permission", 403, CategoryQuotaExceeded},
		{"unauthorized", "request not authorized", 401, CategoryInvalidKey},
		{"key rejection beats 400", "API key not valid. Please pass a valid API key.", 400, CategoryInvalidKey},
		{"key rejection beats 403", "PERMISSION_DENIED on API key", 403, CategoryInvalidKey},
		{"expired key", "API key expired. Renew the key.", 400, CategoryInvalidKey},
		{"resource exhausted message", "RESOURCE_EXHAUSTED: try later", 400, CategoryQuotaExceeded},
		{"quota message", "you exceeded your current quota", 400, CategoryQuotaExceeded},
		{"rate limit message", "rate limit reached for requests", 400, CategoryRateLimit},
		{"server error", "internal error", 500, CategoryProviderError},
		{"bad gateway", "upstream connect error", 502, CategoryProviderError},
		{"unclassifiable", "something odd happened", 400, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(errors.New(tt.message), "model-a", tt.statusCode)
			if got.Category != tt.want {
				t.Errorf("Classify(%q, %d) category = %s, want %s", tt.message, tt.statusCode, got.Category, tt.want)
			}
			if got.Model != "model-a" {
				t.Errorf("model = %q, want model-a", got.Model)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil, "m", 0); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	err := Classify(errors.New("you exceeded your current quota"), "m", 429)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("429 should unwrap to ErrRateLimited, got %v", err.Err)
	}
}

func TestWrap(t *testing.T) {
	t.Run("passes through classified errors", func(t *testing.T) {
		original := Classify(errors.New("quota exceeded"), "m", 429)
		wrapped := Wrap(fmt.Errorf("call failed: %w", original), "other")
		if wrapped != original {
			t.Error("Wrap should return the embedded classification unchanged")
		}
	})

	t.Run("classifies raw errors", func(t *testing.T) {
		wrapped := Wrap(errors.New("rate limit reached"), "m")
		if wrapped.Category != CategoryRateLimit {
			t.Errorf("category = %s, want %s", wrapped.Category, CategoryRateLimit)
		}
	})
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf(errors.New("plain")); got != CategoryUnknown {
		t.Errorf("CategoryOf(plain) = %s, want unknown", got)
	}
	classified := Classify(errors.New("api key not valid"), "m", 400)
	if got := CategoryOf(fmt.Errorf("wrapped: %w", classified)); got != CategoryInvalidKey {
		t.Errorf("CategoryOf(classified) = %s, want invalid_key", got)
	}
}

func TestResourceExhausted(t *testing.T) {
	if !CategoryRateLimit.ResourceExhausted() || !CategoryQuotaExceeded.ResourceExhausted() {
		t.Error("rate_limit and quota_exceeded are resource exhaustion")
	}
	if CategoryInvalidKey.ResourceExhausted() || CategoryUnknown.ResourceExhausted() {
		t.Error("invalid_key and unknown are not resource exhaustion")
	}
}
