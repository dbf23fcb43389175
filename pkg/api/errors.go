package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies failures for presentation.
type Kind int

const (
	// KindValidation is a local failure detected before any network call.
	KindValidation Kind = iota + 1
	// KindAuthentication is an HTTP 401 from the server.
	KindAuthentication
	// KindNetwork means no response was received.
	KindNetwork
	// KindServer is any other HTTP error status or an unusable payload.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// User-facing messages.
const (
	MsgInvalidCredentials = "Invalid username or password. Double-check your credentials."
	MsgFetchFailed        = "Unable to fetch datasets. Please try again."
	MsgUploadFailed       = "Upload failed. Check your connection and try again."
)

// ErrNoCredentials is returned for operations that need a signed request
// while no credentials are configured.
var ErrNoCredentials = &Error{Kind: KindValidation, Detail: "Backend credentials are required."}

// Error is a classified API failure.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, 0 when no response was received
	Detail  string // server-provided or validation message
	BaseURL string // configured API base, used in network messages
	Err     error  // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("api: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the user-facing text for this error.
func (e *Error) Message(fallback string) string {
	switch e.Kind {
	case KindAuthentication:
		return MsgInvalidCredentials
	case KindNetwork:
		return fmt.Sprintf("Cannot reach backend at %s. Is it running and reachable?", e.BaseURL)
	case KindValidation:
		if e.Detail != "" {
			return e.Detail
		}
	case KindServer:
		if e.Detail != "" {
			return e.Detail
		}
	}
	return fallback
}

// KindOf returns the classification of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsAuthentication reports whether err is an HTTP 401.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// MessageOr converts err to user-facing text, using fallback for
// unclassified errors and server errors without a detail.
func MessageOr(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message(fallback)
	}
	return fallback
}

// NewValidationError builds a local validation failure.
func NewValidationError(detail string) *Error {
	return &Error{Kind: KindValidation, Detail: detail}
}

// detailFromBody extracts a human-readable message from an error body.
// It understands {"detail": "..."} and field maps such as
// {"file": ["Only CSV uploads are supported."]}.
func detailFromBody(body []byte) string {
	if isEmptyJSON(body) {
		return ""
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if raw, ok := payload["detail"]; ok {
		var detail string
		if json.Unmarshal(raw, &detail) == nil {
			return detail
		}
	}

	fields := make([]string, 0, len(payload))
	for k := range payload {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var parts []string
	for _, field := range fields {
		var msgs []string
		if json.Unmarshal(payload[field], &msgs) != nil || len(msgs) == 0 {
			continue
		}
		if field == "non_field_errors" {
			parts = append(parts, strings.Join(msgs, " "))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(msgs, " ")))
	}
	return strings.Join(parts, "; ")
}
