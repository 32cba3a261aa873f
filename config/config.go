// Package config loads the settings shared by the auth and user binaries:
// a YAML file, then CANARY_* environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"canary-rpc/codec"
	"canary-rpc/loadbalance"
	"canary-rpc/metadata"
	"canary-rpc/registry"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvName            = "CANARY_SERVICE_NAME"
	EnvVersion         = "CANARY_SERVICE_VERSION"
	EnvWeight          = "CANARY_SERVICE_WEIGHT"
	EnvListen          = "CANARY_RPC_LISTEN"
	EnvAdvertise       = "CANARY_RPC_ADVERTISE"
	EnvHTTPListen      = "CANARY_HTTP_LISTEN"
	EnvRegistryType    = "CANARY_REGISTRY_TYPE"
	EnvRegistryAddrs   = "CANARY_REGISTRY_ENDPOINTS" // comma separated
	EnvBalancer        = "CANARY_BALANCER"
	EnvCodec           = "CANARY_CODEC"
	EnvLogLevel        = "CANARY_LOG_LEVEL"
	EnvLogFormat       = "CANARY_LOG_FORMAT"
	EnvShutdownTimeout = "CANARY_SHUTDOWN_TIMEOUT"
)

type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	RPC      RPCConfig       `yaml:"rpc"`
	HTTP     HTTPConfig      `yaml:"http"`
	Registry registry.Config `yaml:"registry"`
	Client   ClientConfig    `yaml:"client"`
	Log      LogConfig       `yaml:"log"`
}

// ServiceConfig describes this deployment. An empty Version registers the
// instance as public.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Weight  string `yaml:"weight"`
}

type RPCConfig struct {
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 disables
	Burst           int           `yaml:"burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type ClientConfig struct {
	Balancer   string        `yaml:"balancer"`
	HashHeader string        `yaml:"hash_header"`
	Codec      string        `yaml:"codec"`
	PoolSize   int           `yaml:"pool_size"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, which may be empty, and applies environment overrides and
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvName, &c.Service.Name)
	str(EnvVersion, &c.Service.Version)
	str(EnvWeight, &c.Service.Weight)
	str(EnvListen, &c.RPC.Listen)
	str(EnvAdvertise, &c.RPC.Advertise)
	str(EnvHTTPListen, &c.HTTP.Listen)
	str(EnvRegistryType, &c.Registry.Type)
	str(EnvBalancer, &c.Client.Balancer)
	str(EnvCodec, &c.Client.Codec)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)

	if v, ok := lookup(EnvRegistryAddrs); ok {
		c.Registry.Endpoints = nil
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.Registry.Endpoints = append(c.Registry.Endpoints, ep)
			}
		}
	}
	if v, ok := lookup(EnvShutdownTimeout); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvShutdownTimeout, err)
		}
		c.RPC.ShutdownTimeout = d
	}
	return nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.RPC.Listen == "" {
		c.RPC.Listen = ":0"
	}
	if c.RPC.Burst <= 0 {
		c.RPC.Burst = 1
	}
	if c.RPC.ShutdownTimeout <= 0 {
		c.RPC.ShutdownTimeout = 10 * time.Second
	}
	c.Registry = c.Registry.WithDefaults()
	if c.Client.Balancer == "" {
		c.Client.Balancer = loadbalance.NameVersion
	}
	if c.Client.HashHeader == "" {
		c.Client.HashHeader = loadbalance.DefaultHashHeader
	}
	if c.Client.Codec == "" {
		c.Client.Codec = "binary"
	}
	if c.Client.PoolSize <= 0 {
		c.Client.PoolSize = 4
	}
	if c.Client.Timeout <= 0 {
		c.Client.Timeout = 3 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "logfmt"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if !slices.Contains(registry.Types, c.Registry.Type) {
		errs = append(errs, fmt.Errorf("registry.type: %w: %q", registry.ErrUnsupportedType, c.Registry.Type))
	}
	if c.Registry.Type != "memory" && len(c.Registry.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("registry.endpoints is required for %s", c.Registry.Type))
	}
	if !slices.Contains(loadbalance.Names, c.Client.Balancer) {
		errs = append(errs, fmt.Errorf("client.balancer: %w: %q", loadbalance.ErrUnknownBalancer, c.Client.Balancer))
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		errs = append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if c.Client.Retries < 0 {
		errs = append(errs, errors.New("client.retries must not be negative"))
	}
	return errors.Join(errs...)
}

// InstanceMetadata is what the RPC server registers its services with.
func (c *Config) InstanceMetadata() map[string]string {
	md := map[string]string{}
	if c.Service.Version != "" {
		md[metadata.VersionKey] = c.Service.Version
	}
	if c.Service.Weight != "" {
		md[registry.WeightKey] = c.Service.Weight
	}
	return md
}
