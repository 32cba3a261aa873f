package middleware

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"canary-rpc/message"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: []byte("ok")}
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(errMsg string, calls *atomic.Int32) HandlerFunc {
	return func(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls.Add(1)
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: errMsg}
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	req := &message.RPCMessage{ServiceMethod: "Auth.Token", Header: map[string]string{"version": "v2"}}
	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), req)
	assert.Equal(t, "ok", string(resp.Payload))
	assert.Contains(t, buf.String(), "method=Auth.Token")
	assert.Contains(t, buf.String(), "version=v2")

	buf.Reset()
	var calls atomic.Int32
	LoggingMiddleware(logger)(failingHandler("boom", &calls))(context.Background(), req)
	assert.Contains(t, buf.String(), "err=boom")
	assert.Contains(t, buf.String(), "level=warn")
}

func TestTimeoutPass(t *testing.T) {
	resp := TimeOutMiddleware(500*time.Millisecond)(echoHandler)(context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	resp := TimeOutMiddleware(50*time.Millisecond)(slowHandler)(context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Equal(t, TimeoutError, resp.Error)
	assert.ErrorIs(t, resp.Err, ErrTimeout, "timeouts are local failures")
}

func TestTimeoutCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := TimeOutMiddleware(time.Second)(slowHandler)(ctx, &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Equal(t, context.Canceled.Error(), resp.Error)
	assert.ErrorIs(t, resp.Err, context.Canceled)
}

func TestTimeoutDisabled(t *testing.T) {
	resp := TimeOutMiddleware(0)(echoHandler)(context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Empty(t, resp.Error)
}

func TestRateLimit(t *testing.T) {
	// rate 1/s with burst 2: two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "Auth.Token"}

	for i := 0; i < 2; i++ {
		require.Empty(t, handler(context.Background(), req).Error, "request %d", i)
	}
	assert.Equal(t, RateLimitError, handler(context.Background(), req).Error)
}

func TestRetryTransient(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, log.NewNopLogger())(failingHandler("dial tcp: connection refused", &calls))

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.True(t, resp.Failed())
	assert.Equal(t, int32(4), calls.Load(), "one call plus three retries")
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, log.NewNopLogger())(failingHandler("Auth: no instance available", &calls))

	handler(context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryStopsWithContext(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(5, time.Hour, log.NewNopLogger())(failingHandler(TimeoutError, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler(ctx, &message.RPCMessage{ServiceMethod: "Auth.Token"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	handler := MetricsMiddleware(m, "server")(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "Auth.Token"}
	handler(context.Background(), req)
	handler(context.Background(), req)

	var calls atomic.Int32
	MetricsMiddleware(m, "server")(failingHandler("boom", &calls))(context.Background(), req)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("server", "Auth.Token", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("server", "Auth.Token", "error")))

	m.ObserveSelection("Auth", "selected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.selections.WithLabelValues("Auth", "selected")))

	var nilMetrics *Metrics
	nilMetrics.ObserveSelection("Auth", "selected")
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+">")
				resp := next(ctx, req)
				order = append(order, "<"+name)
				return resp
			}
		}
	}

	resp := Chain(mark("A"), mark("B"), TimeOutMiddleware(time.Second))(echoHandler)(
		context.Background(), &message.RPCMessage{ServiceMethod: "Auth.Token"})
	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"A>", "B>", "<B", "<A"}, order)
}
