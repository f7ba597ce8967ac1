package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
	"github.com/kargono/kgnet/internal/server"
)

func baseConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.ServerAddress = "0.0.0.0:0"
	cfg.MaxClients = 1
	cfg.ConnectionTimeoutSec = 1
	cfg.KeepAliveMs = 100
	cfg.ActiveRefreshMs = 2
	cfg.PassiveRefreshMs = 2
	cfg.RequestConnectionFrequencySec = 1
	return cfg
}

// startServer runs a server in the background and returns the config a
// client needs to reach it.
func startServer(t *testing.T, mutate func(*config.ServerConfig)) (*server.Server, config.ServerConfig) {
	t.Helper()
	cfg := baseConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg, network.NewSocketContext(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Open(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg.ServerAddress = fmt.Sprintf("0.0.0.0:%d", srv.LocalAddr().Port())
	cfg.ServerLocation = config.LocationLocalMachine
	return srv, cfg
}

func newClient(t *testing.T, cfg config.ServerConfig, bus *events.EventBus) *Client {
	t.Helper()
	c, err := New(cfg, network.NewSocketContext(), bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, c *Client) network.ClientIndex {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	idx, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return idx
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientConnects(t *testing.T) {
	srv, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)

	if c.Status() != StatusDisconnected {
		t.Fatalf("initial status = %s", c.Status())
	}
	idx := connect(t, c)
	if idx != 0 || c.Index() != 0 {
		t.Fatalf("index = %d", idx)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("status = %s", c.Status())
	}
	waitUntil(t, "server to count the client", func() bool { return srv.NumClients() == 1 })
}

func TestClientExchangesMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewEventBus(0)
	got := make(chan *protocol.Message, 1)
	bus.Subscribe(events.EventMessageReceived, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.MessageReceivedPayload).Message
		return nil
	})
	bus.Start(ctx)
	defer bus.Stop()

	srv, cfg := startServer(t, nil)
	c := newClient(t, cfg, bus)
	idx := connect(t, c)

	msg := protocol.NewMessage(3)
	msg.AppendString("from server")
	if err := srv.SendMessage(idx, msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if err := c.Tick(time.Millisecond); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		select {
		case m := <-got:
			s, err := m.PopString()
			if err != nil || s != "from server" {
				t.Fatalf("PopString = %q, %v", s, err)
			}
			if c.Stats().Received < 1 {
				t.Errorf("Received = %d", c.Stats().Received)
			}
			return
		case <-deadline:
			t.Fatal("message never arrived")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestClientSendsMessage(t *testing.T) {
	srv, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)
	connect(t, c)

	msg := protocol.NewMessage(9)
	msg.AppendUint64(1234)
	if err := c.SendMessage(msg); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "server to accept the message", func() bool {
		snap := srv.Snapshot()
		return len(snap) == 1 && snap[0].Stats.Received == 1
	})
}

func TestClientDenied(t *testing.T) {
	_, cfg := startServer(t, nil)
	first := newClient(t, cfg, nil)
	connect(t, first)

	second := newClient(t, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := second.Connect(ctx)
	if !errors.Is(err, ErrConnectionDenied) {
		t.Fatalf("Connect error = %v, want ErrConnectionDenied", err)
	}
	if second.Status() != StatusDisconnected {
		t.Errorf("status = %s", second.Status())
	}
}

func TestClientSecretsAccepted(t *testing.T) {
	secrets := [4]uint64{7, 7, 7, 7}
	_, cfg := startServer(t, func(c *config.ServerConfig) { c.ValidationSecrets = secrets })

	c := newClient(t, cfg, nil)
	connect(t, c)

	wrong := cfg
	wrong.ValidationSecrets = [4]uint64{1}
	bad := newClient(t, wrong, nil)
	_, err := bad.Connect(context.Background())
	if !errors.Is(err, ErrConnectionDenied) {
		t.Fatalf("Connect error = %v", err)
	}
}

func TestClientConnectTimeout(t *testing.T) {
	// Bind a port nobody answers on.
	silent := network.NewSocket(network.NewSocketContext())
	if err := silent.Open(0); err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	cfg := baseConfig()
	cfg.ServerAddress = fmt.Sprintf("0.0.0.0:%d", silent.LocalAddr().Port())
	c := newClient(t, cfg, nil)

	start := time.Now()
	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect error = %v", err)
	}
	if time.Since(start) < cfg.ConnectionTimeout() {
		t.Errorf("gave up after %s", time.Since(start))
	}
}

func TestClientConnectCancelled(t *testing.T) {
	cfg := baseConfig()
	cfg.ServerAddress = "0.0.0.0:9"
	c := newClient(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect error = %v", err)
	}
}

func TestClientSeesKick(t *testing.T) {
	srv, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)
	idx := connect(t, c)

	if err := srv.Kick(idx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := c.Tick(time.Millisecond)
		if errors.Is(err, ErrDisconnected) {
			if c.Status() != StatusDisconnected {
				t.Errorf("status = %s", c.Status())
			}
			return
		}
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("client never saw the kick")
}

func TestClientConnectionLost(t *testing.T) {
	_, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)
	connect(t, c)

	if err := c.Tick(2 * time.Second); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Tick error = %v", err)
	}
	if err := c.Tick(time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Tick after loss = %v", err)
	}
}

func TestClientLogsFailedKeepAlive(t *testing.T) {
	_, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)
	connect(t, c)

	var buf bytes.Buffer
	c.mu.Lock()
	c.logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	c.mu.Unlock()
	if err := c.socket.Close(); err != nil {
		t.Fatal(err)
	}

	if err := c.Tick(150 * time.Millisecond); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !strings.Contains(buf.String(), "keepalive send failed") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestClientCloseReleasesSlot(t *testing.T) {
	srv, cfg := startServer(t, nil)
	c := newClient(t, cfg, nil)
	connect(t, c)
	waitUntil(t, "admission", func() bool { return srv.NumClients() == 1 })

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "slot release", func() bool { return srv.NumClients() == 0 })
	if c.Index() != network.InvalidClientIndex {
		t.Errorf("index = %d after Close", c.Index())
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	cfg := baseConfig()
	c := newClient(t, cfg, nil)
	if err := c.SendMessage(protocol.NewMessage(1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage error = %v", err)
	}
}
