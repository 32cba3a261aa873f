package services

import (
	"context"
	"errors"
	"net/http"

	"canary-rpc/loadbalance"

	"github.com/labstack/echo/v4"
)

const UserService = "User"

// Caller is the slice of the RPC client the user service needs.
type Caller interface {
	Call(ctx context.Context, serviceMethod string, args, reply any) error
}

type GetRequest struct{}

type GetReply struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// User answers with its deployment name and fetches tokens from Auth. Calls
// made while handling a request carry that request's headers, so a caller's
// "version" decides which auth instance answers.
type User struct {
	Name    string
	Version string
	Auth    Caller
}

func (u *User) Get(_ context.Context, _ *GetRequest, reply *GetReply) error {
	*reply = GetReply{Name: u.Name, Version: u.Version}
	return nil
}

func (u *User) GetAuth(ctx context.Context, _ *TokenRequest, reply *TokenReply) error {
	return u.Auth.Call(ctx, AuthService+".Token", &TokenRequest{}, reply)
}

// RegisterUserRoutes mounts GET /getUser/get and GET /getUser/getAuth.
func RegisterUserRoutes(e *echo.Echo, u *User) {
	g := e.Group("/getUser")
	g.GET("/get", func(c echo.Context) error {
		var reply GetReply
		if err := u.Get(c.Request().Context(), &GetRequest{}, &reply); err != nil {
			return err
		}
		return c.String(http.StatusOK, reply.Name)
	})
	g.GET("/getAuth", func(c echo.Context) error {
		var reply TokenReply
		err := u.GetAuth(c.Request().Context(), &TokenRequest{}, &reply)
		if errors.Is(err, loadbalance.ErrNoInstanceAvailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		if err != nil {
			return err
		}
		setServedBy(c, reply.Instance, reply.Version)
		return c.String(http.StatusOK, reply.Token)
	})
}
