package httpserver

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/metrics"
	"github.com/and161185/medconsent/internal/model"
)

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// Logger logs one line per request. Bodies are never logged.
func Logger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			fields := []zap.Field{
				zap.String("request_id", requestID(c)),
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("dur", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			if err != nil {
				log.Warn("http", append(fields, zap.Error(err))...)
			} else {
				log.Info("http", fields...)
			}
			return nil
		}
	}
}

// Recovery turns a handler panic into a 500.
func Recovery(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic",
						zap.String("request_id", requestID(c)),
						zap.String("reason", fmt.Sprint(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
				}
			}()
			return next(c)
		}
	}
}

// Metrics records request counts and latency by route pattern.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := c.Response().Status
			if err != nil {
				code = statusOf(err)
			}
			m.ObserveHTTP(c.Request().Method, route, code, time.Since(start))
			return err
		}
	}
}

// BodyLimit caps request bodies at max bytes plus multipart framing slack.
func BodyLimit(max int64) echo.MiddlewareFunc {
	const slack = 64 << 10
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > max+slack {
				return fmt.Errorf("%w: request body exceeds %d bytes", errs.ErrTooLarge, max)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, max+slack)
			return next(c)
		}
	}
}

// Auth verifies the bearer token and stores the principal in the request context.
func Auth(v *identity.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v == nil {
				return errs.ErrUnauthorized
			}
			tok, err := identity.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
			p, err := v.Verify(tok)
			if err != nil {
				return err
			}
			ctx := identity.WithPrincipal(c.Request().Context(), p)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireRole admits only principals with role r.
func RequireRole(r model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := identity.PrincipalFromCtx(c.Request().Context())
			if !ok {
				return errs.ErrUnauthorized
			}
			if p.Role != r {
				return fmt.Errorf("%w: %s role required", errs.ErrForbidden, r)
			}
			return next(c)
		}
	}
}
