// Package app assembles one deployable service: registry, RPC server, RPC
// client and an echo HTTP listener, run together until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"canary-rpc/client"
	"canary-rpc/codec"
	"canary-rpc/config"
	"canary-rpc/loadbalance"
	"canary-rpc/middleware"
	"canary-rpc/registry"
	"canary-rpc/server"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const metricsNamespace = "canary"

type Option func(*App)

// WithRegistry uses reg instead of connecting the configured backend. The
// caller keeps ownership of reg.
func WithRegistry(reg registry.Registry) Option {
	return func(a *App) {
		a.Registry = reg
		a.ownsRegistry = false
	}
}

type App struct {
	Config       *config.Config
	Logger       log.Logger
	Registry     registry.Registry
	Server       *server.Server
	Client       *client.Client
	HTTP         *echo.Echo
	Metrics      *middleware.Metrics
	PromRegistry *prometheus.Registry

	ownsRegistry bool
}

// New wires every component from cfg. Nothing listens until Listen.
func New(cfg *config.Config, logger log.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Logger: logger, ownsRegistry: true}
	for _, opt := range opts {
		opt(a)
	}

	if a.Registry == nil {
		reg, err := registry.New(cfg.Registry, logger)
		if err != nil {
			return nil, fmt.Errorf("connect registry: %w", err)
		}
		a.Registry = reg
	}

	a.PromRegistry = prometheus.NewRegistry()
	a.PromRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = middleware.NewMetrics(a.PromRegistry, metricsNamespace)

	bal, err := loadbalance.New(cfg.Client.Balancer, loadbalance.WithHashHeader(cfg.Client.HashHeader))
	if err != nil {
		return nil, err
	}
	ct, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return nil, err
	}
	clientMW := []middleware.Middleware{middleware.LoggingMiddleware(log.With(logger, "side", "client"))}
	if cfg.Client.Retries > 0 {
		clientMW = append(clientMW, middleware.RetryMiddleware(cfg.Client.Retries, 50*time.Millisecond, logger))
	}
	clientMW = append(clientMW, middleware.TimeOutMiddleware(cfg.Client.Timeout))
	a.Client = client.NewClient(a.Registry, bal,
		client.WithCodec(ct),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithLogger(log.With(logger, "component", "client")),
		client.WithMetrics(a.Metrics),
		client.WithMiddleware(clientMW...),
	)

	srvOpts := []server.Option{
		server.WithLogger(log.With(logger, "component", "server")),
		server.WithRegistry(a.Registry),
		server.WithMetadata(cfg.InstanceMetadata()),
	}
	if cfg.RPC.Advertise != "" {
		srvOpts = append(srvOpts, server.WithAdvertiseAddr(cfg.RPC.Advertise))
	}
	a.Server = server.NewServer(srvOpts...)
	a.Server.Use(middleware.MetricsMiddleware(a.Metrics, "server"))
	a.Server.Use(middleware.LoggingMiddleware(log.With(logger, "side", "server")))
	if cfg.RPC.RateLimit > 0 {
		a.Server.Use(middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.Burst))
	}

	a.HTTP = newEcho(a.PromRegistry, logger)
	return a, nil
}

// Listen binds the RPC listener, which also publishes the registered
// services. Register every RPC service before calling it.
func (a *App) Listen() error {
	return a.Server.Listen("tcp", a.Config.RPC.Listen)
}

// Run serves RPC and HTTP until ctx is done or either listener fails, then
// shuts both down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	if a.Server.Addr() == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Serve()
	})
	if a.Config.HTTP.Listen != "" {
		g.Go(func() error {
			level.Info(a.Logger).Log("msg", "http listening", "addr", a.Config.HTTP.Listen)
			if err := a.HTTP.Start(a.Config.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.RPC.ShutdownTimeout)
	defer cancel()

	level.Info(a.Logger).Log("msg", "shutting down")
	errs := []error{
		a.Server.Shutdown(ctx),
		a.HTTP.Shutdown(ctx),
		a.Client.Close(),
	}
	if a.ownsRegistry {
		errs = append(errs, a.Registry.Close())
	}
	return errors.Join(errs...)
}
