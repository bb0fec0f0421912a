package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/fsm"
)

// ErrorBody is the uniform error payload. Clients branch on error_kind, not
// on the HTTP status alone; conflict is the only retryable kind.
type ErrorBody struct {
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}

const (
	kindInvalidTransition   = "invalid_transition"
	kindNotFound            = "not_found"
	kindConflict            = "conflict"
	kindAuthorizationDenied = "authorization_denied"
	kindUnauthenticated     = "unauthenticated"
	kindIntegration         = "integration_error"
	kindSchemaViolation     = "schema_violation"
	kindInternal            = "internal_error"
)

// classify maps an engine error onto (status, error_kind).
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, fsm.ErrInvalidTransition):
		return http.StatusBadRequest, kindInvalidTransition
	case errors.Is(err, common.ErrSchemaViolation):
		return http.StatusBadRequest, kindSchemaViolation
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, common.ErrConflict):
		return http.StatusServiceUnavailable, kindConflict
	case errors.Is(err, common.ErrUnauthenticated):
		return http.StatusUnauthorized, kindUnauthenticated
	case errors.Is(err, common.ErrAuthorizationDenied):
		return http.StatusForbidden, kindAuthorizationDenied
	case errors.Is(err, common.ErrIntegration):
		return http.StatusInternalServerError, kindIntegration
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

// httpErrorHandler renders every error as an ErrorBody. A client that hung
// up mid-request is routine, not telemetry: the transaction committed or
// rolled back on its own and idempotent retries are safe, so those land in
// the debug log only.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if errors.Is(err, context.Canceled) || c.Request().Context().Err() != nil {
		s.log.WithField("uri", c.Request().RequestURI).Debug("client disconnected mid-request")
		if !c.Response().Committed {
			c.NoContent(499)
		}
		return
	}

	status, kind := classify(err)
	detail := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		switch status {
		case http.StatusUnauthorized:
			kind = kindUnauthenticated
		case http.StatusForbidden:
			kind = kindAuthorizationDenied
		case http.StatusNotFound:
			kind = kindNotFound
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			kind = kindSchemaViolation
		case http.StatusTooManyRequests:
			kind = kindConflict
		default:
			if status >= 500 {
				kind = kindInternal
			}
		}
	}

	if status >= 500 && kind != kindConflict {
		s.log.WithError(err).WithField("uri", c.Request().RequestURI).Error("request failed")
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(status)
		return
	}
	if err := c.JSON(status, ErrorBody{ErrorKind: kind, Detail: detail}); err != nil {
		s.log.WithError(err).Debug("failed to write error response")
	}
}
