package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/trellis/pkg/lm"
)

// ErrInvalidRequest marks errors caused by the request payload; handlers
// map anything wrapping it to a 400 response.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func writeError(c *echo.Context, status int, errType, message string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: message, Type: errType},
	})
}

func writeBadRequest(c *echo.Context, message string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", message)
}

func writeNotFound(c *echo.Context, message string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", message)
}

// writeScorerError maps scoring-path failures onto HTTP statuses. Bad
// tokens and states are caller errors; load and resolution failures are
// server errors.
func writeScorerError(c *echo.Context, err error) error {
	var scoreErr *lm.ScoringError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.As(err, &scoreErr):
		return writeBadRequest(c, err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}
