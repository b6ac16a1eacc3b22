// Package errors is the error response of the pipelab API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body which the API responds with on errors.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`

	// Cause is not sent to clients. It is logged by the server.
	Cause error `json:"-"`
}

var errNoReason = errors.New(`required field missing: "reason"`)

func (em *ErrorMessage) UnmarshalJSON(b []byte) error {
	type wire struct {
		Reason *string `json:"reason"`
		Advice string  `json:"advice"`
	}
	w := wire{}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Reason == nil {
		return errNoReason
	}
	*em = ErrorMessage{Reason: *w.Reason, Advice: w.Advice}
	return nil
}

func (em ErrorMessage) Error() string {
	msg := em.Reason
	if em.Advice != "" {
		msg += " (" + em.Advice + ")"
	}
	if em.Cause != nil {
		msg += ": " + em.Cause.Error()
	}
	return msg
}

func (em ErrorMessage) Unwrap() error {
	return em.Cause
}

type Option func(*ErrorMessage)

func WithAdvice(advice string) Option {
	return func(em *ErrorMessage) { em.Advice = advice }
}

func WithError(err error) Option {
	return func(em *ErrorMessage) { em.Cause = err }
}

// NewErrorMessage builds an HTTP error with the message as both its body and its internal error.
func NewErrorMessage(code int, reason string, opts ...Option) *echo.HTTPError {
	em := ErrorMessage{Reason: reason}
	for _, opt := range opts {
		opt(&em)
	}
	return echo.NewHTTPError(code, em).SetInternal(em)
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(http.StatusBadRequest, "bad request", WithAdvice(advice), WithError(err))
}

func Conflict(reason string, opts ...Option) *echo.HTTPError {
	return NewErrorMessage(http.StatusConflict, reason, opts...)
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(http.StatusInternalServerError, "unexpected error", WithError(err))
}
