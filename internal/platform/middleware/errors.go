package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
)

func statusFor(err error) int {
	return apperr.HTTPStatus(err)
}

// ErrorHandler writes every handler error as
// {"error": kind, "message": ..., "details": {...}}. Domain errors map to
// their status and echo errors keep theirs. Anything else is a 500 whose
// message is not exposed.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   apperr.Body
		)
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			status = he.Code
			body = apperr.Body{Error: http.StatusText(he.Code), Message: fmt.Sprint(he.Message)}
		default:
			status = statusFor(err)
			body = apperr.ToBody(err)
			if _, known := apperr.KindOf(err); !known {
				logger.Error().Err(err).
					Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
					Msg("unhandled error")
			}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
