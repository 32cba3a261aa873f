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
	"github.com/google/uuid"
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

	auth := &services.Auth{Instance: cfg.Service.Name + "-" + uuid.NewString()[:8], Version: cfg.Service.Version}
	if err := a.Server.RegisterName(services.AuthService, auth); err != nil {
		return err
	}
	services.RegisterAuthRoutes(a.HTTP, auth)
	if err := a.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	level.Info(logger).Log("msg", "auth started", "rpc", a.Server.AdvertiseAddr(), "instance", auth.Instance)
	return a.Run(ctx)
}
