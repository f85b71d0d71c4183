package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Content service operation names, used in ServiceError.Op, logs, and metrics.
const (
	OpInitializeTopic = "initialize_topic"
	OpNextQuestion    = "next_question"
	OpFinalReport     = "final_report"
	OpGenerateImage   = "generate_image"
)

// ErrorKind categorizes a content service failure.
type ErrorKind string

const (
	// KindQuota indicates quota or rate-limit exhaustion (HTTP 429, RESOURCE_EXHAUSTED).
	KindQuota ErrorKind = "quota"
	// KindCredential indicates a missing, invalid, or unauthorized API key.
	KindCredential ErrorKind = "credential"
	// KindUnavailable indicates a transient backend or network failure.
	KindUnavailable ErrorKind = "unavailable"
	// KindTimeout indicates the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindInvalidResponse indicates the backend answered with unusable content.
	KindInvalidResponse ErrorKind = "invalid_response"
	// KindUnknown is any other failure.
	KindUnknown ErrorKind = "unknown"
)

// ServiceError is the typed failure returned by the content service client.
// Kind and Retryable are decided where the failure happens so callers never
// have to inspect message text.
type ServiceError struct {
	Op        string    `json:"op"`
	Kind      ErrorKind `json:"kind"`
	Code      int       `json:"code,omitempty"`
	Status    string    `json:"status,omitempty"`
	Retryable bool      `json:"retryable"`
	Err       error     `json:"-"`
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsQuota reports whether the failure was a quota or rate-limit exhaustion.
func (e *ServiceError) IsQuota() bool {
	return e.Kind == KindQuota
}

// Message returns the underlying error message, or the kind when there is none.
func (e *ServiceError) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// NewServiceError builds a ServiceError of the given kind. Retryable is derived
// from the kind.
func NewServiceError(op string, kind ErrorKind, err error) *ServiceError {
	return &ServiceError{
		Op:        op,
		Kind:      kind,
		Retryable: retryableKind(kind),
		Err:       err,
	}
}

func retryableKind(kind ErrorKind) bool {
	switch kind {
	case KindQuota, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// quotaMarkers are searched case-insensitively in the error message and in the
// error's JSON serialization.
var quotaMarkers = []string{"429", "quota", "limit", "exhausted", "exceeded", "resource_exhausted"}

// ClassifyError converts an arbitrary error into a ServiceError. An error that
// already is (or wraps) a ServiceError is returned as is. Otherwise the kind is
// inferred from context errors and from quota markers found in the error text.
func ClassifyError(op string, err error) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewServiceError(op, KindTimeout, err)
	}

	if HasQuotaMarker(err) {
		se := NewServiceError(op, KindQuota, err)
		se.Code = 429
		return se
	}

	return NewServiceError(op, KindUnknown, err)
}

// HasQuotaMarker reports whether the error's message or serialized form
// mentions quota or rate-limit exhaustion.
func HasQuotaMarker(err error) bool {
	message := strings.ToLower(err.Error())
	serialized := strings.ToLower(serializeError(err))

	for _, marker := range quotaMarkers {
		if strings.Contains(message, marker) || strings.Contains(serialized, marker) {
			return true
		}
	}
	return false
}

// serializeError renders the full structure of an error: its JSON encoding when
// that carries fields, otherwise the Go-syntax representation.
func serializeError(err error) string {
	data, jsonErr := json.Marshal(err)
	if jsonErr == nil && string(data) != "{}" && string(data) != "null" {
		return string(data)
	}
	return fmt.Sprintf("%+v", err)
}
