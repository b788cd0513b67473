package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// CallError is a failed call to one of the remote services (browser host,
// identity provider, post-processing endpoint).
type CallError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *CallError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "remote call failed"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether repeating the call may succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Transient
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify turns a resty result into nil for a 2xx answer or a *CallError.
func classify(response *resty.Response, err error) error {
	if err != nil {
		return &CallError{
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &CallError{Message: "empty response", Transient: true}
	}

	status := response.StatusCode()
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}
	return &CallError{
		StatusCode: status,
		Message:    statusMessage(status, strings.TrimSpace(response.String())),
		Transient:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
	}
}

// retryIdempotent is the resty retry condition shared by every client.
// Only reads and deletes are repeated.
func retryIdempotent(response *resty.Response, err error) bool {
	if response == nil || response.Request == nil {
		return false
	}
	switch response.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return IsTransient(classify(response, err))
	default:
		return false
	}
}

func statusMessage(status int, body string) string {
	base := fmt.Sprintf("remote service returned status %d", status)
	if body == "" {
		return base
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return base + ": " + body
}
