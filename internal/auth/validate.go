package auth

import (
	"context"
	"time"

	"github.com/fpang/socratic-discovery/internal/chat"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ValidationModel receives a one-word prompt to check a key.
const ValidationModel = chat.ModelGemini25FlashLite

// ValidationError represents a specific type of API key validation failure.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

// ValidationErrorType categorizes validation failures.
type ValidationErrorType int

const (
	// ErrTypeNoKey indicates no API key was supplied.
	ErrTypeNoKey ValidationErrorType = iota
	// ErrTypeInvalidKey indicates the API key is invalid or revoked.
	ErrTypeInvalidKey
	// ErrTypeNetworkError indicates a network or server-side failure.
	ErrTypeNetworkError
	// ErrTypeQuotaExceeded indicates the key's quota is exhausted.
	ErrTypeQuotaExceeded
	// ErrTypeUnknown indicates an unknown error occurred.
	ErrTypeUnknown
)

func (t ValidationErrorType) String() string {
	switch t {
	case ErrTypeNoKey:
		return "no_key"
	case ErrTypeInvalidKey:
		return "invalid"
	case ErrTypeNetworkError:
		return "network_error"
	case ErrTypeQuotaExceeded:
		return "quota"
	default:
		return "unknown"
	}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Rejects reports whether the key itself is unusable, as opposed to a
// transient failure that says nothing about the key.
func (e *ValidationError) Rejects() bool {
	return e.Type == ErrTypeNoKey || e.Type == ErrTypeInvalidKey
}

// ValidateAPIKey makes a minimal generation call with the client's key. It
// returns nil for a working key, otherwise a *ValidationError.
func ValidateAPIKey(ctx context.Context, client *genai.Client) error {
	log.Debug().Str("model", ValidationModel).Msg("Validating API key with Gemini API")

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, ValidationModel, genai.Text("hi"), nil)
	elapsed := time.Since(start)

	var valErr *ValidationError
	switch {
	case err != nil:
		valErr = classifyError(err)
	case resp == nil || len(resp.Candidates) == 0:
		valErr = &ValidationError{Type: ErrTypeUnknown, Message: "API returned empty response"}
	}

	result := "success"
	if valErr != nil {
		result = valErr.Type.String()
	}
	metrics.New(metrics.Namespace).
		Dimension("Result", result).
		Metric("ApiKeyValidationMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("ApiKeyValidationResult").
		Flush()

	log.Debug().Str("result", result).Dur("duration", elapsed).Msg("API key validation result")
	if valErr != nil {
		return valErr
	}
	log.Info().Msg("API key validated successfully")
	return nil
}

// classifyError maps a validation call failure onto a ValidationError using the same
// classification as the content client.
func classifyError(err error) *ValidationError {
	se := chat.Classify("validate_key", err)

	switch se.Kind {
	case discovery.KindCredential:
		log.Error().Int("code", se.Code).Msg("Authentication failed - invalid API key")
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "API key is invalid, expired, or lacks permissions", Err: err}
	case discovery.KindQuota:
		log.Error().Int("code", se.Code).Msg("Rate limit exceeded")
		return &ValidationError{Type: ErrTypeQuotaExceeded, Message: "API quota exceeded or rate limited", Err: err}
	case discovery.KindUnavailable, discovery.KindTimeout:
		log.Error().Int("code", se.Code).Msg("Network or server error during validation")
		return &ValidationError{Type: ErrTypeNetworkError, Message: "Gemini API unreachable - check your connection and try again", Err: err}
	default:
		log.Error().Err(err).Msg("Unknown error during API validation")
		return &ValidationError{Type: ErrTypeUnknown, Message: "Failed to validate API key", Err: err}
	}
}
