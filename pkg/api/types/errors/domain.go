package errors

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

// FromDomain converts an error of operations on experiments to an HTTP error.
//
// Errors not in the domain taxonomy are treated as internal errors.
func FromDomain(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domerr.ErrInvalidConfig):
		return BadRequest("fix the request and retry.", err)
	case errors.Is(err, domerr.ErrMissing):
		return NewErrorMessage(http.StatusNotFound, "not found", WithError(err))
	case errors.Is(err, domerr.ErrInvalidTransition):
		return Conflict(
			"the operation is not allowed in the current phase",
			WithAdvice("get the experiment and check its phase."),
			WithError(err),
		)
	case errors.Is(err, domerr.ErrInsufficientData):
		return NewErrorMessage(
			http.StatusUnprocessableEntity, "insufficient data",
			WithAdvice("wait for more samples, or widen the window."),
			WithError(err),
		)
	case errors.Is(err, domerr.ErrDeploymentFailed), errors.Is(err, domerr.ErrUnreachable):
		return NewErrorMessage(
			http.StatusBadGateway, "hosts are unreachable",
			WithAdvice("check agents on the hosts."),
			WithError(err),
		)
	}
	return InternalServerError(err)
}
