// Package llm provides the AI provider client and error classification.
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for provider failures.
var (
	// ErrInvalidAPIKey indicates the credential itself was rejected.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrQuotaExceeded indicates the credential ran out of quota for the model.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderError indicates a transient provider-side failure.
	ErrProviderError = errors.New("provider error")

	// ErrEmptyResponse indicates the provider returned no candidates.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// Category classifies a provider error for failover dispatch. All free-text
// pattern matching is confined to Classify; callers switch on Category only.
type Category string

const (
	CategoryRateLimit     Category = "rate_limit"
	CategoryQuotaExceeded Category = "quota_exceeded"
	CategoryInvalidKey    Category = "invalid_key"
	CategoryProviderError Category = "provider_error"
	CategoryUnknown       Category = "unknown"
)

// ResourceExhausted reports whether the category means the current
// (credential, model) pair is out of capacity and a downgrade or key switch
// may help.
func (c Category) ResourceExhausted() bool {
	return c == CategoryRateLimit || c == CategoryQuotaExceeded
}

// Error is a classified provider error.
type Error struct {
	Err        error    // Sentinel from the set above
	StatusCode int      // HTTP status, 0 when unknown
	Model      string   // Model in use when the error occurred
	Category   Category // Classification for failover dispatch
	RawMessage string   // Provider's original message
}

func (e *Error) Error() string {
	if e.RawMessage != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.RawMessage)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify turns a raw provider failure into a classified Error.
// Key rejection is checked before status codes because some providers report
// invalid credentials as 400 rather than 401.
func Classify(err error, model string, statusCode int) *Error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	out := &Error{
		Err:        ErrProviderError,
		StatusCode: statusCode,
		Model:      model,
		RawMessage: err.Error(),
	}

	if isKeyRejection(msg) {
		out.Err = ErrInvalidAPIKey
		out.Category = CategoryInvalidKey
		return out
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		out.Err = ErrRateLimited
		out.Category = CategoryRateLimit
		return out
	case http.StatusPaymentRequired:
		out.Err = ErrQuotaExceeded
		out.Category = CategoryQuotaExceeded
		return out
	case http.StatusForbidden:
		// A 403 that does not mention the key is treated as resource
		// exhaustion, not a bad credential.
		out.Err = ErrQuotaExceeded
		out.Category = CategoryQuotaExceeded
		return out
	case http.StatusUnauthorized:
		out.Err = ErrInvalidAPIKey
		out.Category = CategoryInvalidKey
		return out
	}

	switch {
	case strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "resource has been exhausted"),
		strings.Contains(msg, "quota"):
		out.Err = ErrQuotaExceeded
		out.Category = CategoryQuotaExceeded
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "ratelimit"):
		out.Err = ErrRateLimited
		out.Category = CategoryRateLimit
	case statusCode >= 500:
		out.Err = ErrProviderError
		out.Category = CategoryProviderError
	default:
		out.Err = ErrProviderError
		out.Category = CategoryUnknown
	}
	return out
}

func isKeyRejection(msg string) bool {
	patterns := []string{
		"api key not valid",
		"api_key_invalid",
		"invalid api key",
		"api key expired",
		"permission denied on api key",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Wrap classifies err unless it already carries a classification.
func Wrap(err error, model string) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return Classify(err, model, 0)
}

// CategoryOf returns the category of err, CategoryUnknown for unclassified
// errors.
func CategoryOf(err error) Category {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	return CategoryUnknown
}
