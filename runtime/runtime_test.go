package runtime_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
	"github.com/polyphase/rolebus/bus"
	"github.com/polyphase/rolebus/config"
	"github.com/polyphase/rolebus/fake"
	"github.com/polyphase/rolebus/object"
	"github.com/polyphase/rolebus/runtime"
)

const (
	fbIface api.InterfaceID = 1
	fbObj   api.ObjectID    = 1

	chanReq  api.ChannelID = 1
	chanResp api.ChannelID = 2

	roleClient api.RoleID = 1
	roleServer api.RoleID = 2
)

func fizzbuzzDecl() *bus.InterfaceDecl {
	return &bus.InterfaceDecl{
		ID:   fbIface,
		Name: "fizzbuzz",
		Channels: []bus.ChannelDecl{
			{
				ID:          chanReq,
				Object:      fbObj,
				Senders:     []api.RoleID{roleClient},
				Subscribers: []api.RoleID{roleServer},
			},
			{
				ID:          chanResp,
				Object:      fbObj,
				Senders:     []api.RoleID{roleServer},
				Subscribers: []api.RoleID{roleClient},
			},
		},
	}
}

func fizzbuzz(n int) string {
	switch {
	case n%15 == 0:
		return "FizzBuzz"
	case n%3 == 0:
		return "Fizz"
	case n%5 == 0:
		return "Buzz"
	default:
		return strconv.Itoa(n)
	}
}

func newRuntime(t *testing.T, cfg *config.Config) *runtime.Runtime {
	t.Helper()
	r, err := runtime.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	if err := r.Bus().RegisterInterface(fizzbuzzDecl()); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}
	return r
}

// TestRuntimeFizzBuzzEndToEnd drives 1000 concurrent request/response round
// trips through a pool of only four buffers, exercising acquire
// backpressure, correlation and fan-out together.
func TestRuntimeFizzBuzzEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.BufferSize = 64
	cfg.Pool.BatchSize = 1
	cfg.Pool.Capacity = 4
	cfg.Scheduler.Workers = 2
	r := newRuntime(t, cfg)

	server, err := r.Bus().Register(fbIface, roleServer, api.InvalidWorker)
	if err != nil {
		t.Fatalf("Register server: %v", err)
	}
	if _, err := object.NewResponder(r.Bus(), server, r.Pool(), chanReq, chanResp, func(req []byte) []byte {
		n, err := strconv.Atoi(string(req))
		if err != nil {
			return []byte("bad request")
		}
		return []byte(fizzbuzz(n))
	}, zerolog.Nop()); err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if err := server.Attach(); err != nil {
		t.Fatalf("Attach server: %v", err)
	}

	client, err := r.Bus().Register(fbIface, roleClient, api.InvalidWorker)
	if err != nil {
		t.Fatalf("Register client: %v", err)
	}
	req, err := object.NewRequester(r.Bus(), client, r.Pool(), chanReq, chanResp, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	if err := client.Attach(); err != nil {
		t.Fatalf("Attach client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const calls = 1000
	var wg sync.WaitGroup
	errs := make([]error, calls)
	wrong := make([]string, calls)
	for i := 1; i <= calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := req.Call(ctx, []byte(strconv.Itoa(n)))
			if err != nil {
				errs[n-1] = err
				return
			}
			if got, want := string(resp.Bytes()), fizzbuzz(n); got != want {
				wrong[n-1] = got + " != " + want
			}
			resp.Release()
		}(i)
	}
	wg.Wait()
	for i := 0; i < calls; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i+1, errs[i])
		}
		if wrong[i] != "" {
			t.Fatalf("call %d: %s", i+1, wrong[i])
		}
	}

	// Every buffer reference handed out over 1000 round trips came back.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := r.Pool().Stats()
		if st.Acquired == st.Released && st.Free == st.Capacity {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool not conserved: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestRuntimeTransportLoopback runs a request from a remote peer through the
// inbound path and forwards the local response back out through the bound
// transport.
func TestRuntimeTransportLoopback(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	r := newRuntime(t, cfg)

	tr := fake.NewTransport()
	inbound := r.BindTransport(tr)

	server, err := r.Bus().Register(fbIface, roleServer, api.InvalidWorker)
	if err != nil {
		t.Fatalf("Register server: %v", err)
	}
	if _, err := object.NewResponder(r.Bus(), server, r.Pool(), chanReq, chanResp, func(req []byte) []byte {
		return append([]byte("echo:"), req...)
	}, zerolog.Nop()); err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if err := server.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Proxy instance standing in for peer 7: responses delivered to it are
	// forwarded over the transport.
	const peer api.PeerID = 7
	proxy, err := r.Bus().Register(fbIface, roleClient, api.InvalidWorker)
	if err != nil {
		t.Fatalf("Register proxy: %v", err)
	}
	if err := proxy.Bind(chanResp, api.HandlerFunc(func(ev api.Event) error {
		return r.Send(context.Background(), proxy, peer, ev)
	})); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := proxy.Attach(); err != nil {
		t.Fatalf("Attach proxy: %v", err)
	}
	r.AttachPeer(peer, proxy)

	payload, err := r.Pool().AcquireOne(context.Background(), api.InvalidWorker)
	if err != nil {
		t.Fatalf("AcquireOne: %v", err)
	}
	payload.Append([]byte("hi"))
	hdr := api.Header{
		Iface:       fbIface,
		Object:      fbObj,
		Channel:     chanReq,
		Kind:        api.KindRequest,
		Length:      uint32(payload.Len()),
		Correlation: 99,
	}
	if err := inbound(peer, hdr, payload); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(tr.SentMessages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no response forwarded to transport")
		}
		time.Sleep(time.Millisecond)
	}
	sent := tr.SentMessages()[0]
	if sent.Dst != peer {
		t.Errorf("dst = %d, want %d", sent.Dst, peer)
	}
	if sent.Hdr.Kind != api.KindResponse || sent.Hdr.Correlation != 99 {
		t.Errorf("header = %+v, want response correlation 99", sent.Hdr)
	}
	if string(sent.Payload) != "echo:hi" {
		t.Errorf("payload = %q, want %q", sent.Payload, "echo:hi")
	}
	if sent.Hdr.Length != uint32(len(sent.Payload)) {
		t.Errorf("length = %d, payload %d bytes", sent.Hdr.Length, len(sent.Payload))
	}
}

// TestRuntimeProtocolViolationDetachesPeer feeds an inconsistent header
// through the inbound path and verifies that only the offending peer's
// proxy is torn down.
func TestRuntimeProtocolViolationDetachesPeer(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	r := newRuntime(t, cfg)
	inbound := r.BindTransport(fake.NewTransport())

	attach := func(peer api.PeerID) *bus.Instance {
		t.Helper()
		in, err := r.Bus().Register(fbIface, roleClient, api.InvalidWorker)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := in.Attach(); err != nil {
			t.Fatalf("Attach: %v", err)
		}
		r.AttachPeer(peer, in)
		return in
	}
	attach(1)
	attach(2)

	// Undeclared channel id.
	bad := api.Header{Iface: fbIface, Object: fbObj, Channel: 42, Kind: api.KindData}
	if err := inbound(1, bad, nil); err == nil {
		t.Fatal("inbound accepted undeclared channel")
	}

	// Peer 1 is gone, peer 2 still routes.
	if err := inbound(1, api.Header{Iface: fbIface, Object: fbObj, Channel: chanReq, Kind: api.KindData}, nil); err == nil {
		t.Error("detached peer still accepted")
	}
	good := api.Header{Iface: fbIface, Object: fbObj, Channel: chanReq, Kind: api.KindData}
	if err := inbound(2, good, nil); err != nil {
		t.Errorf("healthy peer rejected: %v", err)
	}

	// Mismatched payload length is a violation too.
	attach(3)
	short := api.Header{Iface: fbIface, Object: fbObj, Channel: chanReq, Kind: api.KindData, Length: 10}
	if err := inbound(3, short, nil); err == nil {
		t.Error("inbound accepted length mismatch")
	}
}

func TestRuntimeMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	r := newRuntime(t, cfg)

	snap := r.Metrics().GetSnapshot()
	for _, key := range []string{"pool.free", "bus.instances", "executor.workers"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("metric %q missing", key)
		}
	}
	if free := snap["pool.free"].(int64); free != int64(cfg.Pool.Capacity) {
		t.Errorf("pool.free = %d, want %d", free, cfg.Pool.Capacity)
	}
}

func TestRuntimeBusQueueSizeConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 1
	cfg.Bus.QueueSize = 128
	r := newRuntime(t, cfg)

	if got := r.Control().GetSnapshot()["bus.queue_size"]; got != 128 {
		t.Errorf("bus.queue_size = %v, want 128", got)
	}
	in, err := r.Bus().Register(fbIface, roleClient, api.InvalidWorker)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := in.QueueCap(); got != 128 {
		t.Errorf("QueueCap = %d, want configured 128", got)
	}
}

func TestRuntimeApplyDynamic(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	r := newRuntime(t, cfg)

	next := config.Default()
	next.LogLevel = "debug"
	next.EnableMetrics = false
	r.ApplyDynamic(cfg, next)

	snap := r.Control().GetSnapshot()
	if snap["log_level"] != "debug" {
		t.Errorf("log_level = %v, want debug", snap["log_level"])
	}
	if snap["metrics.enabled"] != false {
		t.Errorf("metrics.enabled = %v, want false", snap["metrics.enabled"])
	}
	// Fixed values stay as seeded at start.
	if snap["pool.capacity"] != cfg.Pool.Capacity {
		t.Errorf("pool.capacity = %v, want %d", snap["pool.capacity"], cfg.Pool.Capacity)
	}
}

func TestRuntimeShutdown(t *testing.T) {
	r, err := runtime.New(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := r.Pool().AcquireOne(context.Background(), api.InvalidWorker); err != api.ErrShutdown {
		t.Errorf("AcquireOne after shutdown: err = %v, want ErrShutdown", err)
	}
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.BufferSize = -1
	if _, err := runtime.New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("runtime.New accepted invalid config")
	}
}
