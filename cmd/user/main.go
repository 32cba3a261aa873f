// Command user runs one user deployment. Start it twice, e.g. as user1 with
// no version and as user2 with version v2, against the same registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"canary-rpc/app"
	"canary-rpc/config"
	"canary-rpc/logging"
	"canary-rpc/services"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func main() {
	configPath := flag.String("config", os.Getenv("CANARY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	logger = log.With(logger, "service", cfg.Service.Name, "version", cfg.Service.Version)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	user := &services.User{Name: cfg.Service.Name, Version: cfg.Service.Version, Auth: a.Client}
	if err := a.Server.RegisterName(services.UserService, user); err != nil {
		return err
	}
	services.RegisterUserRoutes(a.HTTP, user)
	if err := a.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	level.Info(logger).Log("msg", "user started", "rpc", a.Server.AdvertiseAddr(), "http", cfg.HTTP.Listen)
	return a.Run(ctx)
}
