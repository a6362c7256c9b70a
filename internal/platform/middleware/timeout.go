package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Ranking, rule
// evaluation and the stores all observe the context, so the handler returns
// once the deadline passes; the middleware then reports 504 unless a
// response was already written.
//
// The handler runs on the calling goroutine so the response is never written
// from two places.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				var he *echo.HTTPError
				if err == nil || !errors.As(err, &he) || he.Code >= 500 {
					return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded "+timeout.String())
				}
			}
			return err
		}
	}
}
