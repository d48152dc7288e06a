package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const (
	HeaderToken = "X-Admin-Token"
	HeaderActor = "X-Actor-ID"
)

// ActorFromCtx extracts the actor id set by AdminTokenMiddleware; 0 is the system actor.
func ActorFromCtx(c echo.Context) int64 {
	id, _ := c.Get("actor_id").(int64)
	return id
}

// AdminTokenMiddleware authenticates requests using the X-Admin-Token header.
// An empty token disables the check (development). The optional X-Actor-ID
// header names who is acting; it is recorded on the jobs and events written.
func AdminTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token != "" {
				got := strings.TrimSpace(c.Request().Header.Get(HeaderToken))
				if got == "" {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing admin token"})
				}
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
				}
			}

			var actor int64
			if raw := strings.TrimSpace(c.Request().Header.Get(HeaderActor)); raw != "" {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || n < 0 {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid actor id"})
				}
				actor = n
			}
			c.Set("actor_id", actor)
			return next(c)
		}
	}
}
