package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canary-rpc/app"
	"canary-rpc/config"
	"canary-rpc/metadata"
	"canary-rpc/registry"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(name, version string) *config.Config {
	cfg := &config.Config{
		Service: config.ServiceConfig{Name: name, Version: version},
		RPC:     config.RPCConfig{Listen: "127.0.0.1:0", ShutdownTimeout: time.Second},
	}
	cfg.SetDefaults()
	return cfg
}

func start(t *testing.T, a *app.App) {
	t.Helper()
	require.NoError(t, a.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("app did not stop")
		}
	})
}

func startAuth(t *testing.T, reg registry.Registry, instance, version string) {
	t.Helper()
	a, err := app.New(newConfig("auth", version), log.NewNopLogger(), app.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, a.Server.RegisterName(AuthService, &Auth{Instance: instance, Version: version}))
	start(t, a)
}

func startUser(t *testing.T, reg registry.Registry, name, version string) *app.App {
	t.Helper()
	a, err := app.New(newConfig(name, version), log.NewNopLogger(), app.WithRegistry(reg))
	require.NoError(t, err)
	u := &User{Name: name, Version: version, Auth: a.Client}
	require.NoError(t, a.Server.RegisterName(UserService, u))
	RegisterUserRoutes(a.HTTP, u)
	start(t, a)
	return a
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUserGet(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	user1 := startUser(t, reg, "user1", "")
	user2 := startUser(t, reg, "user2", "v2")

	assert.Equal(t, "user1", get(t, user1.HTTP, "/getUser/get", nil).Body.String())
	assert.Equal(t, "user2", get(t, user2.HTTP, "/getUser/get", nil).Body.String())
}

func TestGetAuthRoutesByVersionHeader(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startAuth(t, reg, "auth-v1", "v1")
	startAuth(t, reg, "auth-public", "")
	startAuth(t, reg, "auth-v2", "v2")
	user := startUser(t, reg, "user1", "")

	cases := []struct {
		header map[string]string
		want   string
	}{
		{map[string]string{"version": "v2"}, "auth-v2"},
		{map[string]string{"version": "v1"}, "auth-v1"},
		{map[string]string{"version": "v9"}, "auth-public"},
		{nil, "auth-public"},
	}
	for _, tc := range cases {
		rec := get(t, user.HTTP, "/getUser/getAuth", tc.header)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, Token, rec.Body.String())
		assert.Equal(t, tc.want, rec.Header().Get("X-Served-By"), "header %v", tc.header)
	}
}

func TestGetAuthUnavailable(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startAuth(t, reg, "auth-v1", "v1")
	user := startUser(t, reg, "user1", "")

	rec := get(t, user.HTTP, "/getUser/getAuth", map[string]string{"version": "v2"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no instance available")
}

// A request entering at one user instance reaches auth through another user
// instance over RPC and keeps its version the whole way.
func TestVersionSurvivesTwoHops(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startAuth(t, reg, "auth-public", "")
	startAuth(t, reg, "auth-v2", "v2")
	startUser(t, reg, "user2", "v2")
	edge := startUser(t, reg, "user1", "")

	ctx := context.Background()
	var reply TokenReply
	require.NoError(t, edge.Client.Call(withVersion(ctx, "v2"), UserService+".GetAuth", &TokenRequest{}, &reply))
	assert.Equal(t, "auth-v2", reply.Instance)

	var who GetReply
	require.NoError(t, edge.Client.Call(withVersion(ctx, "v2"), UserService+".Get", &GetRequest{}, &who))
	assert.Equal(t, "user2", who.Name)
	require.NoError(t, edge.Client.Call(ctx, UserService+".Get", &GetRequest{}, &who))
	assert.Equal(t, "user1", who.Name)
}

func TestAuthRoute(t *testing.T) {
	a, err := app.New(newConfig("auth", ""), log.NewNopLogger(), app.WithRegistry(registry.NewMemoryRegistry()))
	require.NoError(t, err)
	RegisterAuthRoutes(a.HTTP, &Auth{Instance: "auth-1"})

	rec := get(t, a.HTTP, "/auth/token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Token, rec.Body.String())
	assert.Equal(t, "auth-1", rec.Header().Get("X-Served-By"))
}

func withVersion(ctx context.Context, v string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, metadata.VersionKey, v)
}
