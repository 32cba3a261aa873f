package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-zookeeper/zk"
)

// ZooKeeperRegistry writes each instance as an ephemeral JSON znode at
//
//	/{namespace}/{service}/{instance id}
//
// so it vanishes with the session of the process that created it.
type ZooKeeperRegistry struct {
	conn      *zk.Conn
	namespace string
	logger    log.Logger
}

func NewZooKeeperRegistry(cfg Config, logger log.Logger) (*ZooKeeperRegistry, error) {
	cfg = cfg.WithDefaults()
	conn, _, err := zk.Connect(cfg.Endpoints, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" {
		if err := conn.AddAuth("digest", []byte(cfg.Username+":"+cfg.Password)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &ZooKeeperRegistry{conn: conn, namespace: cfg.Namespace, logger: logger}, nil
}

func (r *ZooKeeperRegistry) servicePath(serviceName string) string {
	return "/" + r.namespace + "/" + serviceName
}

// ensurePath creates every missing persistent parent of p.
func (r *ZooKeeperRegistry) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (r *ZooKeeperRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent := r.servicePath(serviceName)
	if err := r.ensurePath(parent); err != nil {
		return err
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	node := parent + "/" + instance.Key()
	_, err = r.conn.Create(node, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = r.conn.Set(node, data, -1)
	}
	if err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "registered", "node", node, "addr", instance.Addr, "version", instance.Version())
	return nil
}

func (r *ZooKeeperRegistry) Deregister(_ context.Context, serviceName string, instance ServiceInstance) error {
	err := r.conn.Delete(r.servicePath(serviceName)+"/"+instance.Key(), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// Discover reads the children of the service node in name order.
func (r *ZooKeeperRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	parent := r.servicePath(serviceName)
	children, _, err := r.conn.Children(parent)
	if errors.Is(err, zk.ErrNoNode) {
		return []ServiceInstance{}, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(children)

	instances := make([]ServiceInstance, 0, len(children))
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, _, err := r.conn.Get(parent + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			continue // removed since Children
		}
		if err != nil {
			return nil, err
		}
		var instance ServiceInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			level.Warn(r.logger).Log("msg", "skip malformed node", "node", child, "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *ZooKeeperRegistry) Close() error {
	r.conn.Close()
	return nil
}
