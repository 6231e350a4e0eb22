package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the failure category of an external API call.
type ErrorKind string

const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindAuthExpired      ErrorKind = "auth_expired"
	KindNotFound         ErrorKind = "not_found"
	KindUnknown          ErrorKind = "unknown"
)

// APIError is built once at the HTTP boundary of a client; business logic
// only inspects Kind.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string // machine string from the response body, if any
	Message string
	Err     error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// ClassifyHTTP maps an HTTP status and machine code to an APIError.
func ClassifyHTTP(status int, code, message string) *APIError {
	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized:
		kind = KindAuthExpired
	case status == http.StatusForbidden:
		kind = KindPermissionDenied
	case status == http.StatusNotFound:
		kind = KindNotFound
	}
	return &APIError{Kind: kind, Status: status, Code: code, Message: message}
}

// KindOf returns the category of err. Errors that are not APIErrors are
// classified by message so foreign rate-limit errors are still recognized.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "token expired"):
		return KindAuthExpired
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsActionNotPermitted reports whether err is the 403 the platform returns
// for a reply that is temporarily not allowed (the only retried post failure).
func IsActionNotPermitted(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindPermissionDenied {
		return false
	}
	if apiErr.Code == "" && apiErr.Message == "" {
		return true
	}
	text := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	return strings.Contains(text, "not permitted") || strings.Contains(text, "not allowed")
}
