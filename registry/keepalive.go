package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// keepalives runs one refresh loop per registered instance for backends that
// expire entries unless they are touched periodically.
type keepalives struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (k *keepalives) start(key string, interval time.Duration, logger log.Logger, beat func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())

	k.mu.Lock()
	if k.cancels == nil {
		k.cancels = make(map[string]context.CancelFunc)
	}
	if prev, ok := k.cancels[key]; ok {
		prev()
	}
	k.cancels[key] = cancel
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := beat(ctx); err != nil && ctx.Err() == nil {
					level.Warn(logger).Log("msg", "keepalive failed", "key", key, "err", err)
				}
			}
		}
	}()
}

func (k *keepalives) stop(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cancel, ok := k.cancels[key]; ok {
		cancel()
		delete(k.cancels, key)
	}
}

func (k *keepalives) stopAll() {
	k.mu.Lock()
	for key, cancel := range k.cancels {
		cancel()
		delete(k.cancels, key)
	}
	k.mu.Unlock()
	k.wg.Wait()
}

// refreshInterval beats three times per TTL.
func refreshInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Second
}
