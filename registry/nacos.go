package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// instanceIDKey keeps our instance id, since nacos assigns its own.
const instanceIDKey = "instance_id"

// NacosRegistry registers ephemeral instances; the nacos client heartbeats
// them for as long as it is open.
type NacosRegistry struct {
	client naming_client.INamingClient
	group  string
	logger log.Logger
}

func NewNacosRegistry(cfg Config, logger log.Logger) (*NacosRegistry, error) {
	cfg = cfg.WithDefaults()
	serverConfigs := make([]constant.ServerConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		host, port, err := splitAddr(ep)
		if err != nil {
			return nil, fmt.Errorf("nacos endpoint %q: %w", ep, err)
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(host, uint64(port)))
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithTimeoutMs(uint64(cfg.Timeout.Milliseconds())),
		constant.WithNotLoadCacheAtStart(true),
	)
	clientConfig.Username = cfg.Username
	clientConfig.Password = cfg.Password
	clientConfig.LogLevel = "warn"

	cli, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("create nacos client: %w", err)
	}
	return &NacosRegistry{client: cli, group: cfg.Group, logger: logger}, nil
}

func (r *NacosRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance) error {
	host, port, err := splitAddr(instance.Addr)
	if err != nil {
		return err
	}

	meta := copyMetadata(instance.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[instanceIDKey] = instance.Key()

	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          host,
		Port:        uint64(port),
		ServiceName: serviceName,
		GroupName:   r.group,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    meta,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nacos rejected registration of %s/%s", serviceName, instance.Key())
	}

	level.Info(r.logger).Log("msg", "registered", "service", serviceName, "id", instance.Key(), "addr", instance.Addr, "version", instance.Version())
	return nil
}

func (r *NacosRegistry) Deregister(_ context.Context, serviceName string, instance ServiceInstance) error {
	host, port, err := splitAddr(instance.Addr)
	if err != nil {
		return err
	}
	_, err = r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          host,
		Port:        uint64(port),
		ServiceName: serviceName,
		GroupName:   r.group,
		Ephemeral:   true,
	})
	return err
}

// Discover returns enabled, healthy hosts in the order nacos reports them.
func (r *NacosRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	service, err := r.client.GetService(vo.GetServiceParam{
		ServiceName: serviceName,
		GroupName:   r.group,
	})
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(service.Hosts))
	for _, h := range service.Hosts {
		if !h.Enable || !h.Healthy {
			continue
		}
		meta := copyMetadata(h.Metadata)
		id := meta[instanceIDKey]
		if id == "" {
			id = h.InstanceId
		}
		delete(meta, instanceIDKey)
		instances = append(instances, ServiceInstance{
			ID:       id,
			Addr:     net.JoinHostPort(h.Ip, strconv.FormatUint(h.Port, 10)),
			Metadata: meta,
		})
	}
	return instances, nil
}

func (r *NacosRegistry) Close() error {
	r.client.CloseClient()
	return nil
}
