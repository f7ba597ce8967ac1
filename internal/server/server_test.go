package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/metrics"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
)

const testAppID = 0x4B47

// recorder collects bus events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.AppID = testAppID
	cfg.ServerAddress = "0.0.0.0:0"
	cfg.MaxClients = 2
	cfg.ConnectionTimeoutSec = 1
	cfg.KeepAliveMs = 200
	cfg.ActiveRefreshMs = 5
	cfg.PassiveRefreshMs = 5
	return cfg
}

type harness struct {
	srv *Server
	sc  *network.SocketContext
	rec *recorder
}

func newHarness(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewEventBus(0)
	rec := &recorder{}
	for _, typ := range []events.EventType{
		events.EventServerStarted,
		events.EventClientConnected,
		events.EventClientDisconnected,
		events.EventConnectionDenied,
		events.EventMessageReceived,
		events.EventShutdown,
	} {
		bus.Subscribe(typ, "recorder", rec.handle)
	}
	bus.Start(ctx)

	sc := network.NewSocketContext()
	srv, err := New(cfg, sc, bus, metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		srv.Close()
		bus.Stop()
		cancel()
	})
	return &harness{srv: srv, sc: sc, rec: rec}
}

// eventually ticks the server until cond holds.
func (h *harness) eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.srv.Tick(time.Millisecond)
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// peer is a hand-driven client speaking raw packets.
type peer struct {
	sock   *network.Socket
	server network.Address
	rel    *network.ReliabilityContext
	index  network.ClientIndex
	appID  protocol.AppID
	buf    []byte
}

func (h *harness) newPeer(t *testing.T) *peer {
	t.Helper()
	s := network.NewSocket(h.sc)
	if err := s.Open(0); err != nil {
		t.Fatalf("peer Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &peer{
		sock:   s,
		server: network.NewAddressFromOctets(127, 0, 0, 1, h.srv.LocalAddr().Port()),
		rel:    network.NewReliabilityContext(),
		index:  network.InvalidClientIndex,
		appID:  testAppID,
		buf:    make([]byte, protocol.MaxPacketSize),
	}
}

func (p *peer) sendRaw(t *testing.T, hdr protocol.PacketHeader, payload []byte) []byte {
	t.Helper()
	data, err := protocol.BuildPacket(hdr, payload)
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}
	if err := p.sock.Send(p.server, data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	return data
}

func (p *peer) request(t *testing.T, payload []byte) {
	t.Helper()
	p.sendRaw(t, protocol.PacketHeader{
		AppID:  p.appID,
		Type:   protocol.PacketConnectionRequest,
		Client: uint8(network.InvalidClientIndex),
	}, payload)
}

// send sends a sequenced packet and returns the raw bytes.
func (p *peer) send(t *testing.T, typ protocol.PacketType, payload []byte) []byte {
	t.Helper()
	return p.sendRaw(t, protocol.PacketHeader{
		AppID:   p.appID,
		Type:    typ,
		Client:  uint8(p.index),
		Segment: p.rel.InsertSegment(),
	}, payload)
}

// expect ticks the server until the peer receives a packet of type typ.
func (p *peer) expect(t *testing.T, h *harness, typ protocol.PacketType) (protocol.PacketHeader, []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.srv.Tick(time.Millisecond)
		n, _, err := p.sock.Receive(p.buf)
		if errors.Is(err, network.ErrWouldBlock) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		hdr, payload, err := protocol.ParsePacket(p.buf[:n])
		if err != nil {
			t.Fatalf("ParsePacket: %v", err)
		}
		if hdr.Type == typ {
			return hdr, append([]byte(nil), payload...)
		}
	}
	t.Fatalf("peer never received %s", typ)
	return protocol.PacketHeader{}, nil
}

func (p *peer) connect(t *testing.T, h *harness) {
	t.Helper()
	p.request(t, nil)
	hdr, _ := p.expect(t, h, protocol.PacketConnectionSuccess)
	p.index = network.ClientIndex(hdr.Client)
}

func TestServerHandshake(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	if p.index != 0 {
		t.Fatalf("first peer index = %d, want 0", p.index)
	}
	if h.srv.NumClients() != 1 {
		t.Fatalf("NumClients = %d", h.srv.NumClients())
	}

	h.eventually(t, "client_connected event", func() bool {
		return len(h.rec.ofType(events.EventClientConnected)) == 1
	})
	ev := h.rec.ofType(events.EventClientConnected)[0].Payload.(events.ClientConnectedPayload)
	if ev.SessionID == "" {
		t.Error("connected event has no session id")
	}
	if ev.Address.Port() != p.sock.LocalAddr().Port() {
		t.Errorf("event address = %s", ev.Address)
	}

	snap := h.srv.Snapshot()
	if len(snap) != 1 || snap[0].SessionID != ev.SessionID {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

func TestServerRepeatedRequestKeepsSlot(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)
	first := p.index

	p.request(t, nil)
	hdr, _ := p.expect(t, h, protocol.PacketConnectionSuccess)
	if network.ClientIndex(hdr.Client) != first {
		t.Errorf("re-request got index %d, want %d", hdr.Client, first)
	}
	if h.srv.NumClients() != 1 {
		t.Errorf("NumClients = %d after re-request", h.srv.NumClients())
	}
}

func TestServerRestartedPeerResumesSlot(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	for i := 0; i < 2*network.AckWindow; i++ {
		p.send(t, protocol.PacketKeepAlive, nil)
	}
	h.eventually(t, "keepalives to arrive", func() bool {
		snap := h.srv.Snapshot()
		return len(snap) == 1 && snap[0].Stats.Received == 2*network.AckWindow
	})

	// Same address, sequences from zero again.
	p.rel = network.NewReliabilityContext()
	p.request(t, nil)
	hdr, _ := p.expect(t, h, protocol.PacketConnectionSuccess)
	if network.ClientIndex(hdr.Client) != p.index {
		t.Fatalf("restarted peer got index %d, want %d", hdr.Client, p.index)
	}

	p.send(t, protocol.PacketKeepAlive, nil)
	h.eventually(t, "restarted peer's keepalive to be accepted", func() bool {
		snap := h.srv.Snapshot()
		return len(snap) == 1 && snap[0].Stats.Received == 1
	})
	if snap := h.srv.Snapshot(); snap[0].Stats.Duplicates != 0 {
		t.Errorf("duplicates = %d", snap[0].Stats.Duplicates)
	}
}

func TestServerDeniesAtCapacity(t *testing.T) {
	h := newHarness(t, nil)
	a, b, c := h.newPeer(t), h.newPeer(t), h.newPeer(t)
	a.connect(t, h)
	b.connect(t, h)

	c.request(t, nil)
	hdr, payload := c.expect(t, h, protocol.PacketConnectionDenied)
	if network.ClientIndex(hdr.Client) != network.InvalidClientIndex {
		t.Errorf("denied index = %d", hdr.Client)
	}
	if string(payload) != DenyAtCapacity {
		t.Errorf("denied reason = %q", payload)
	}
	if h.srv.NumClients() != 2 {
		t.Errorf("NumClients = %d", h.srv.NumClients())
	}
	h.eventually(t, "connection_denied event", func() bool {
		return len(h.rec.ofType(events.EventConnectionDenied)) == 1
	})
}

func TestServerValidationSecrets(t *testing.T) {
	secrets := [4]uint64{1, 2, 3, 4}
	h := newHarness(t, func(c *config.ServerConfig) { c.ValidationSecrets = secrets })

	bad := h.newPeer(t)
	bad.request(t, protocol.ValidationPayload([4]uint64{1, 2, 3, 5}))
	_, payload := bad.expect(t, h, protocol.PacketConnectionDenied)
	if string(payload) != DenyInvalidSecrets {
		t.Errorf("denied reason = %q", payload)
	}

	missing := h.newPeer(t)
	missing.request(t, nil)
	missing.expect(t, h, protocol.PacketConnectionDenied)

	good := h.newPeer(t)
	good.request(t, protocol.ValidationPayload(secrets))
	good.expect(t, h, protocol.PacketConnectionSuccess)
	if h.srv.NumClients() != 1 {
		t.Errorf("NumClients = %d", h.srv.NumClients())
	}
}

func TestServerDropsForeignAppID(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.appID = testAppID + 1
	p.request(t, nil)

	for i := 0; i < 20; i++ {
		h.srv.Tick(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	if h.srv.NumClients() != 0 {
		t.Fatalf("foreign app id admitted")
	}
	if _, _, err := p.sock.Receive(p.buf); !errors.Is(err, network.ErrWouldBlock) {
		t.Errorf("foreign peer got a reply: %v", err)
	}
}

func TestServerDropsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	data := p.send(t, protocol.PacketKeepAlive, nil)
	if err := p.sock.Send(p.server, data); err != nil {
		t.Fatal(err)
	}

	h.eventually(t, "duplicate to be counted", func() bool {
		snap := h.srv.Snapshot()
		return len(snap) == 1 && snap[0].Stats.Duplicates == 1 && snap[0].Stats.Received == 1
	})
}

func TestServerEmitsMessages(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	msg := protocol.NewMessage(42)
	msg.AppendString("hello")
	data, err := msg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	p.send(t, protocol.PacketMessage, data)

	h.eventually(t, "message_received event", func() bool {
		return len(h.rec.ofType(events.EventMessageReceived)) == 1
	})
	ev := h.rec.ofType(events.EventMessageReceived)[0].Payload.(events.MessageReceivedPayload)
	if ev.Index != p.index || ev.Message.Header.ID != 42 {
		t.Fatalf("event = %+v", ev)
	}
	got, err := ev.Message.PopString()
	if err != nil || got != "hello" {
		t.Errorf("PopString = %q, %v", got, err)
	}
}

func TestServerClientDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	p.send(t, protocol.PacketDisconnect, nil)
	h.eventually(t, "slot release", func() bool { return h.srv.NumClients() == 0 })
	h.eventually(t, "client_disconnected event", func() bool {
		return len(h.rec.ofType(events.EventClientDisconnected)) == 1
	})
	ev := h.rec.ofType(events.EventClientDisconnected)[0].Payload.(events.ClientDisconnectedPayload)
	if ev.Reason != events.ReasonClientRequest {
		t.Errorf("reason = %s", ev.Reason)
	}
}

func TestServerTimesOutSilentClients(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	h.srv.Tick(1500 * time.Millisecond)
	if h.srv.NumClients() != 0 {
		t.Fatalf("silent client still connected")
	}
	h.eventually(t, "timeout event", func() bool {
		return len(h.rec.ofType(events.EventClientDisconnected)) == 1
	})
	ev := h.rec.ofType(events.EventClientDisconnected)[0].Payload.(events.ClientDisconnectedPayload)
	if ev.Reason != events.ReasonTimeout {
		t.Errorf("reason = %s", ev.Reason)
	}

	// A packet from the timed-out peer no longer reaches its old slot.
	p.send(t, protocol.PacketKeepAlive, nil)
	for i := 0; i < 10; i++ {
		h.srv.Tick(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	if h.srv.NumClients() != 0 {
		t.Error("stale packet re-admitted the peer")
	}
}

func TestServerSendsKeepAlives(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	h.srv.Tick(250 * time.Millisecond)
	hdr, _ := p.expect(t, h, protocol.PacketKeepAlive)
	if hdr.Segment.Sequence != 0 {
		t.Errorf("first keepalive sequence = %d", hdr.Segment.Sequence)
	}
}

func TestServerKick(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	if err := h.srv.Kick(p.index); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	p.expect(t, h, protocol.PacketDisconnect)
	if h.srv.NumClients() != 0 {
		t.Errorf("NumClients = %d after kick", h.srv.NumClients())
	}
	if err := h.srv.Kick(p.index); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("second Kick error = %v", err)
	}
	if err := h.srv.Kick(200); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("out of range Kick error = %v", err)
	}
}

func TestServerBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.newPeer(t), h.newPeer(t)
	a.connect(t, h)
	b.connect(t, h)

	msg := protocol.NewMessage(7)
	msg.AppendUint32(99)
	n, err := h.srv.Broadcast(msg)
	if err != nil || n != 2 {
		t.Fatalf("Broadcast = %d, %v", n, err)
	}

	for _, p := range []*peer{a, b} {
		_, payload := p.expect(t, h, protocol.PacketMessage)
		got := &protocol.Message{}
		if err := got.UnmarshalBinary(payload); err != nil {
			t.Fatal(err)
		}
		if v, err := got.PopUint32(); err != nil || v != 99 {
			t.Errorf("PopUint32 = %d, %v", v, err)
		}
	}
}

func TestServerCloseDisconnectsEveryone(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPeer(t)
	p.connect(t, h)

	if err := h.srv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.srv.SendTo(0, protocol.PacketKeepAlive, nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendTo after Close = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, _, err := p.sock.Receive(p.buf)
		if err == nil {
			hdr, _, perr := protocol.ParsePacket(p.buf[:n])
			if perr == nil && hdr.Type == protocol.PacketDisconnect {
				return
			}
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("peer never saw the shutdown disconnect")
}
