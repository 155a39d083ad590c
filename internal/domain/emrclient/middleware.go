package emrclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

// ClientKey is the context key under which the authenticated client is stored.
const ClientKey contextKey = "emr_client"

const realm = `Basic realm="emr"`

// Middleware requires HTTP Basic EMR client credentials on every request.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID, secret, ok := c.Request().BasicAuth()
			if !ok {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, realm)
				return echo.NewHTTPError(http.StatusUnauthorized, "missing client credentials")
			}

			ctx := c.Request().Context()
			client, err := a.Authenticate(ctx, clientID, secret)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					c.Response().Header().Set(echo.HeaderWWWAuthenticate, realm)
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid client credentials")
				}
				return echo.NewHTTPError(http.StatusServiceUnavailable, "client registry unavailable").SetInternal(err)
			}

			c.Set(string(ClientKey), client)
			c.SetRequest(c.Request().WithContext(context.WithValue(ctx, ClientKey, client)))
			return next(c)
		}
	}
}

// FromContext returns the authenticated client, or nil on unauthenticated routes.
func FromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(ClientKey).(*Client)
	return c
}
