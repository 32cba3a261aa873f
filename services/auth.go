// Package services holds the demo deployment: an auth service and the user
// service that calls it. Both expose the same operations over RPC and HTTP.
package services

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Token is what every auth instance issues.
const Token = "authToken"

// AuthService is the RPC service name auth instances register under.
const AuthService = "Auth"

type TokenRequest struct{}

// TokenReply names the instance that served the request so callers can see
// which deployment the balancer picked.
type TokenReply struct {
	Token    string `json:"token"`
	Instance string `json:"instance"`
	Version  string `json:"version,omitempty"`
}

type Auth struct {
	Instance string
	Version  string
}

func (a *Auth) Token(_ context.Context, _ *TokenRequest, reply *TokenReply) error {
	*reply = TokenReply{Token: Token, Instance: a.Instance, Version: a.Version}
	return nil
}

// RegisterAuthRoutes mounts GET /auth/token.
func RegisterAuthRoutes(e *echo.Echo, a *Auth) {
	e.GET("/auth/token", func(c echo.Context) error {
		var reply TokenReply
		if err := a.Token(c.Request().Context(), &TokenRequest{}, &reply); err != nil {
			return err
		}
		setServedBy(c, reply.Instance, reply.Version)
		return c.String(http.StatusOK, reply.Token)
	})
}

func setServedBy(c echo.Context, instance, version string) {
	c.Response().Header().Set("X-Served-By", instance)
	if version != "" {
		c.Response().Header().Set("X-Served-Version", version)
	}
}
