package cli

import (
	"errors"

	"github.com/fpang/socratic-discovery/internal/auth"
)

// ValidationMessage turns a key activation failure into advice for the user.
func ValidationMessage(err error) string {
	var validationErr *auth.ValidationError
	if !errors.As(err, &validationErr) {
		return "API key validation failed"
	}
	switch validationErr.Type {
	case auth.ErrTypeNoKey:
		return "No API key provided. Set GEMINI_API_KEY or run scripts/setup-gpg-credentials.sh"
	case auth.ErrTypeInvalidKey:
		return "Invalid API key. Please check your API key and try again"
	case auth.ErrTypeNetworkError:
		return "Network error. Please check your internet connection"
	case auth.ErrTypeQuotaExceeded:
		return "API quota exceeded. Please try again later or check your usage limits"
	default:
		return "API key validation failed"
	}
}
