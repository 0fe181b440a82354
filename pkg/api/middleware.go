package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/auth"
)

const principalKey = "principal"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogger logs one line per request.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			// Response() is typed http.ResponseWriter; the status lives on
			// the concrete *echo.Response.
			status := 0
			if res, ok := c.Response().(*echo.Response); ok {
				status = res.Status
			}
			slog.Info("Request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration", time.Since(start))
			return err
		}
	}
}

// apiKeyAuth authenticates the request and stores the principal on the
// context. Keys arrive as "Authorization: Bearer <key>" or "X-API-Key".
func (s *Server) apiKeyAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			key := extractAPIKey(c.Request())
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			principal, ok := s.verifier.Verify(key)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			c.Set(principalKey, principal)
			return next(c)
		}
	}
}

// requireScope rejects authenticated principals lacking a scope.
func (s *Server) requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			p := principalFrom(c)
			if p == nil || !p.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
			}
			return next(c)
		}
	}
}

// extractAPIKey pulls the key from the Authorization header, the X-API-Key
// header, or the api_key query parameter (WebSocket clients cannot always
// set headers).
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if key, ok := strings.CutPrefix(h, "Bearer "); ok {
			return key
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// principalFrom returns the authenticated principal, or nil.
func principalFrom(c *echo.Context) *auth.Principal {
	p, _ := c.Get(principalKey).(*auth.Principal)
	return p
}
