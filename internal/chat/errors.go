package chat

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fpang/socratic-discovery/internal/discovery"
	"google.golang.org/genai"
)

// Classify converts any error produced by a Gemini call into a
// *discovery.ServiceError. Structured API errors are classified by HTTP code
// and status; everything else falls back to discovery.ClassifyError.
func Classify(op string, err error) *discovery.ServiceError {
	if err == nil {
		return nil
	}

	var se *discovery.ServiceError
	if errors.As(err, &se) {
		return se
	}

	if apiErr, ok := asAPIError(err); ok {
		se := classifyAPIError(op, apiErr, err)
		se.Code = apiErr.Code
		se.Status = apiErr.Status
		return se
	}

	return discovery.ClassifyError(op, err)
}

// asAPIError finds a genai.APIError in the chain. The SDK returns it by value,
// but a pointer is accepted too.
func asAPIError(err error) (genai.APIError, bool) {
	var val genai.APIError
	if errors.As(err, &val) {
		return val, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}

func classifyAPIError(op string, apiErr genai.APIError, err error) *discovery.ServiceError {
	status := strings.ToUpper(apiErr.Status)

	switch {
	case apiErr.Code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		return discovery.NewServiceError(op, discovery.KindQuota, err)

	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return discovery.NewServiceError(op, discovery.KindCredential, err)

	case apiErr.Code == http.StatusBadRequest && mentionsAPIKey(apiErr):
		return discovery.NewServiceError(op, discovery.KindCredential, err)

	case apiErr.Code == http.StatusGatewayTimeout || status == "DEADLINE_EXCEEDED":
		return discovery.NewServiceError(op, discovery.KindTimeout, err)

	case apiErr.Code >= 500 && apiErr.Code <= 599:
		return discovery.NewServiceError(op, discovery.KindUnavailable, err)
	}

	// Unrecognized codes still get the marker scan.
	fallback := discovery.ClassifyError(op, err)
	return discovery.NewServiceError(op, fallback.Kind, err)
}

func mentionsAPIKey(apiErr genai.APIError) bool {
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "api key") ||
		strings.Contains(msg, "api_key_invalid") ||
		strings.Contains(msg, "apikey")
}
