package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canary-rpc/codec"
	"canary-rpc/loadbalance"
	"canary-rpc/message"
	"canary-rpc/metadata"
	"canary-rpc/middleware"
	"canary-rpc/registry"
	"canary-rpc/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct{ A, B int }

type Reply struct{ Result int }

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// Sleep waits A milliseconds before answering.
func (a *Arith) Sleep(args *Args, reply *Reply) error {
	time.Sleep(time.Duration(args.A) * time.Millisecond)
	reply.Result = args.A
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

type TokenReply struct {
	Token   string
	Version string
}

// Auth answers with the version it was deployed as.
type Auth struct{ version string }

func (a *Auth) Token(_ *struct{}, reply *TokenReply) error {
	reply.Token = "authToken"
	reply.Version = a.version
	return nil
}

// User calls Auth on behalf of its caller.
type User struct{ cli *Client }

func (u *User) GetAuth(ctx context.Context, _ *struct{}, reply *TokenReply) error {
	return u.cli.Call(ctx, "Auth.Token", &struct{}{}, reply)
}

func serve(t testing.TB, reg registry.Registry, version string, rcvr any) *server.Server {
	t.Helper()
	opts := []server.Option{server.WithRegistry(reg)}
	if version != "" {
		opts = append(opts, server.WithMetadata(map[string]string{metadata.VersionKey: version}))
	}
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(rcvr))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return svr
}

func newClient(t testing.TB, supplier registry.Supplier, bal loadbalance.Balancer, opts ...Option) *Client {
	t.Helper()
	cli := NewClient(supplier, bal, opts...)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestCall(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgpack} {
		t.Run(ct.String(), func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			serve(t, reg, "", &Arith{})
			cli := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, WithCodec(ct))

			var reply Reply
			require.NoError(t, cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, &reply))
			assert.Equal(t, 3, reply.Result)

			require.NoError(t, cli.Call(context.Background(), "Arith.Multiply", &Args{A: 6, B: 7}, &reply))
			assert.Equal(t, 42, reply.Result)
		})
	}
}

func TestCallRemoteError(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Arith{})
	cli := newClient(t, reg, nil)

	err := cli.Call(context.Background(), "Arith.Divide", &Args{A: 1}, &Reply{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "divide by zero", remote.Message)

	err = cli.Call(context.Background(), "Arith.Nope", &Args{}, &Reply{})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "can't find method")
}

func TestCallInvalidServiceMethod(t *testing.T) {
	cli := newClient(t, registry.NewMemoryRegistry(), nil)
	assert.Error(t, cli.Call(context.Background(), "Arith", &Args{}, &Reply{}))
	assert.Error(t, cli.Call(context.Background(), ".Add", &Args{}, &Reply{}))
}

func TestCallNoInstance(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	promReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(promReg, "test")
	cli := newClient(t, reg, nil, WithMetrics(metrics))

	err := cli.Call(context.Background(), "Auth.Token", &struct{}{}, &TokenReply{})
	assert.ErrorIs(t, err, loadbalance.ErrNoInstanceAvailable)

	// only a canary for another version: still unavailable
	serve(t, reg, "v1", &Auth{version: "v1"})
	ctx := metadata.AppendToOutgoingContext(context.Background(), metadata.VersionKey, "v2")
	err = cli.Call(ctx, "Auth.Token", &struct{}{}, &TokenReply{})
	assert.ErrorIs(t, err, loadbalance.ErrNoInstanceAvailable)

	assert.Equal(t, 2.0, selections(t, promReg, "Auth", "unavailable"))
}

func selections(t *testing.T, g prometheus.Gatherer, service, outcome string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "test_balancer_selections_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["service"] == service && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCallDiscoverError(t *testing.T) {
	boom := errors.New("registry down")
	supplier := registry.SupplierFunc(func(context.Context, string) ([]registry.ServiceInstance, error) {
		return nil, boom
	})
	cli := newClient(t, supplier, nil)

	err := cli.Call(context.Background(), "Auth.Token", &struct{}{}, &TokenReply{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, loadbalance.ErrNoInstanceAvailable)
}

func TestCallRoutesByOutgoingVersion(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "v1", &Auth{version: "v1"})
	serve(t, reg, "", &Auth{})
	serve(t, reg, "v2", &Auth{version: "v2"})
	cli := newClient(t, reg, nil)

	for _, tc := range []struct{ target, want string }{
		{"v1", "v1"},
		{"v2", "v2"},
		{"v3", ""},
		{"", ""},
	} {
		ctx := context.Background()
		if tc.target != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, metadata.VersionKey, tc.target)
		}
		var reply TokenReply
		require.NoError(t, cli.Call(ctx, "Auth.Token", &struct{}{}, &reply), tc.target)
		assert.Equal(t, "authToken", reply.Token)
		assert.Equal(t, tc.want, reply.Version, "target %q", tc.target)
	}
}

// A user instance handling a request tagged "v2" calls auth with the same
// header, so the v2 auth instance serves it.
func TestHeaderPropagationEndToEnd(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Auth{})
	serve(t, reg, "v2", &Auth{version: "v2"})

	userCli := newClient(t, reg, nil)
	serve(t, reg, "", &User{cli: userCli})
	cli := newClient(t, reg, nil)

	var reply TokenReply
	ctx := metadata.AppendToOutgoingContext(context.Background(), metadata.VersionKey, "v2", "x-trace", "t-1")
	require.NoError(t, cli.Call(ctx, "User.GetAuth", &struct{}{}, &reply))
	assert.Equal(t, "v2", reply.Version)

	require.NoError(t, cli.Call(context.Background(), "User.GetAuth", &struct{}{}, &reply))
	assert.Equal(t, "", reply.Version, "no version header goes to the public instance")
}

func TestInboundRequestHeadersPropagate(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Auth{})
	serve(t, reg, "v2", &Auth{version: "v2"})
	cli := newClient(t, reg, nil)

	// as an HTTP handler would see it after lifting request headers
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("Version", "v2"))
	var reply TokenReply
	require.NoError(t, cli.Call(ctx, "Auth.Token", &struct{}{}, &reply))
	assert.Equal(t, "v2", reply.Version)
}

func TestCallFollowsRegistryChanges(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	public := serve(t, reg, "", &Auth{})
	cli := newClient(t, reg, nil)
	ctx := metadata.AppendToOutgoingContext(context.Background(), metadata.VersionKey, "v2")

	var reply TokenReply
	require.NoError(t, cli.Call(ctx, "Auth.Token", &struct{}{}, &reply))
	assert.Equal(t, "", reply.Version)

	serve(t, reg, "v2", &Auth{version: "v2"})
	require.NoError(t, cli.Call(ctx, "Auth.Token", &struct{}{}, &reply))
	assert.Equal(t, "v2", reply.Version)

	require.NoError(t, public.Shutdown(context.Background()))
	err := cli.Call(context.Background(), "Auth.Token", &struct{}{}, &reply)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstanceAvailable)
}

func TestCallWithMiddleware(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Arith{})

	var mu sync.Mutex
	var seen []string
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			mu.Lock()
			seen = append(seen, req.Header["x-trace"])
			mu.Unlock()
			return next(ctx, req)
		}
	}
	cli := newClient(t, reg, nil, WithMiddleware(middleware.TimeOutMiddleware(time.Second)))
	cli.Use(record)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-trace", "abc"))
	var reply Reply
	require.NoError(t, cli.Call(ctx, "Arith.Add", &Args{A: 2, B: 2}, &reply))
	assert.Equal(t, 4, reply.Result)
	assert.Equal(t, []string{"abc"}, seen, "interceptors see propagated headers")
}

func TestCallConcurrent(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Arith{})
	serve(t, reg, "", &Arith{})
	cli := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, WithPoolSize(2))

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var reply Reply
			if err := cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: i}, &reply); err != nil {
				errs <- err
				return
			}
			if reply.Result != 2*i {
				errs <- errors.New("wrong result")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func setupBench(b *testing.B) *Client {
	reg := registry.NewMemoryRegistry()
	serve(b, reg, "", &Arith{})
	return newClient(b, reg, &loadbalance.RoundRobinBalancer{}, WithPoolSize(8))
}

func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b)
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func TestCallLocalTimeoutIsNotRemote(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Arith{})
	cli := newClient(t, reg, nil, WithMiddleware(middleware.TimeOutMiddleware(30*time.Millisecond)))

	err := cli.Call(context.Background(), "Arith.Sleep", &Args{A: 300}, &Reply{})
	assert.ErrorIs(t, err, middleware.ErrTimeout)
	var remote *RemoteError
	assert.False(t, errors.As(err, &remote), "local timeout reported as remote: %v", err)
}

func TestCallRemoteTimeoutIsRemote(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := server.NewServer(server.WithRegistry(reg))
	svr.Use(middleware.TimeOutMiddleware(30 * time.Millisecond))
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	cli := newClient(t, reg, nil)

	err := cli.Call(context.Background(), "Arith.Sleep", &Args{A: 300}, &Reply{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, middleware.TimeoutError, remote.Message)
	assert.NotErrorIs(t, err, middleware.ErrTimeout)
}

func TestCallCancelledContext(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "", &Arith{})
	cli := newClient(t, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := cli.Call(ctx, "Arith.Sleep", &Args{A: 300}, &Reply{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
