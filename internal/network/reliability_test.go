package network

import (
	"testing"
	"time"

	"github.com/kargono/kgnet/internal/protocol"
)

func seg(seq, ack uint16, bits uint32) protocol.ReliabilitySegment {
	return protocol.ReliabilitySegment{Sequence: seq, Ack: ack, AckBits: bits}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time                 { return c.t }
func (c *fakeClock) advance(d time.Duration)        { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                      { return &fakeClock{t: time.Unix(1700000000, 0)} }
func withClock(r *ReliabilityContext, c *fakeClock) { r.now = c.now }

func TestSequenceGreaterThan(t *testing.T) {
	tests := []struct {
		s1, s2 uint16
		want   bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{0, 65535, true},
		{65535, 0, false},
		{10, 65530, true},
		{32768, 0, true},
		{32769, 0, false},
		{0, 32769, true},
	}
	for _, tt := range tests {
		if got := SequenceGreaterThan(tt.s1, tt.s2); got != tt.want {
			t.Errorf("SequenceGreaterThan(%d, %d) = %v, want %v", tt.s1, tt.s2, got, tt.want)
		}
	}
}

func TestFreshState(t *testing.T) {
	r := NewReliabilityContext()
	s := r.InsertSegment()
	if s.Sequence != 0 || s.Ack != 0 || s.AckBits != 0xFFFFFFFE {
		t.Errorf("first segment = %+v", s)
	}
	if r.LocalSequence() != 1 {
		t.Errorf("LocalSequence = %d", r.LocalSequence())
	}
	if r.IsCongested() || r.AverageRoundTrip() != 0 {
		t.Error("fresh context reports congestion or RTT")
	}
}

func TestFirstRemoteSequenceAccepted(t *testing.T) {
	r := NewReliabilityContext()
	if _, ok := r.ProcessSegment(seg(0, 0, 0)); !ok {
		t.Fatal("sequence 0 rejected on fresh context")
	}
	if _, ok := r.ProcessSegment(seg(0, 0, 0)); ok {
		t.Fatal("duplicate sequence 0 accepted")
	}
	if r.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d", r.Stats().Duplicates)
	}
}

func TestRemoteWindow(t *testing.T) {
	r := NewReliabilityContext()
	for _, s := range []uint16{0, 1, 2, 5} {
		if _, ok := r.ProcessSegment(seg(s, 0, 0)); !ok {
			t.Fatalf("seq %d rejected", s)
		}
	}
	out := r.InsertSegment()
	if out.Ack != 5 {
		t.Errorf("Ack = %d, want 5", out.Ack)
	}
	// 5,2,1,0 received; 4,3 missing.
	if want := uint32(1 | 1<<3 | 1<<4 | 1<<5); out.AckBits&0x3F != want {
		t.Errorf("AckBits low bits = %06b, want %06b", out.AckBits&0x3F, want)
	}

	// Late arrival fills the gap once.
	if _, ok := r.ProcessSegment(seg(3, 0, 0)); !ok {
		t.Fatal("late seq 3 rejected")
	}
	if _, ok := r.ProcessSegment(seg(3, 0, 0)); ok {
		t.Fatal("duplicate seq 3 accepted")
	}
	if r.RemoteSequence() != 5 {
		t.Errorf("RemoteSequence = %d, want 5", r.RemoteSequence())
	}
}

func TestTooOldSequenceRejected(t *testing.T) {
	r := NewReliabilityContext()
	r.ProcessSegment(seg(100, 0, 0))
	if _, ok := r.ProcessSegment(seg(100-AckWindow, 0, 0)); ok {
		t.Error("sequence outside the window accepted")
	}
	if _, ok := r.ProcessSegment(seg(100-AckWindow+1, 0, 0)); !ok {
		t.Error("oldest sequence inside the window rejected")
	}
}

func TestLargeJumpUpdatesRemote(t *testing.T) {
	r := NewReliabilityContext()
	r.ProcessSegment(seg(1, 0, 0))
	if _, ok := r.ProcessSegment(seg(1000, 0, 0)); !ok {
		t.Fatal("jump rejected")
	}
	if r.RemoteSequence() != 1000 {
		t.Errorf("RemoteSequence = %d, want 1000", r.RemoteSequence())
	}
	if s := r.InsertSegment(); s.AckBits != 1 {
		t.Errorf("AckBits = %032b, want only bit 0", s.AckBits)
	}
}

func TestRemoteSequenceWraparound(t *testing.T) {
	r := NewReliabilityContext()
	for _, s := range []uint16{30000, 60000, 65534, 65535, 0, 1} {
		if _, ok := r.ProcessSegment(seg(s, 0, 0)); !ok {
			t.Fatalf("seq %d rejected", s)
		}
	}
	if r.RemoteSequence() != 1 {
		t.Errorf("RemoteSequence = %d, want 1", r.RemoteSequence())
	}
	if _, ok := r.ProcessSegment(seg(65535, 0, 0)); ok {
		t.Error("duplicate across wrap accepted")
	}
	s := r.InsertSegment()
	if s.AckBits&0xF != 0xF {
		t.Errorf("AckBits = %04b, want 1111", s.AckBits&0xF)
	}
}

func TestAcksRetirePacketsWithRTT(t *testing.T) {
	clock := newFakeClock()
	r := NewReliabilityContext()
	withClock(r, clock)

	for i := 0; i < 3; i++ {
		r.InsertSegment()
		clock.advance(10 * time.Millisecond)
	}
	// Peer got 0 and 2, not 1.
	acks, ok := r.ProcessSegment(seg(0, 2, 1|1<<2))
	if !ok {
		t.Fatal("segment rejected")
	}
	if len(acks) != 2 {
		t.Fatalf("acks = %+v, want 2 records", acks)
	}
	got := map[uint16]time.Duration{}
	for _, a := range acks {
		got[a.Sequence] = a.RoundTrip
	}
	if got[2] != 10*time.Millisecond || got[0] != 30*time.Millisecond {
		t.Errorf("round trips = %v", got)
	}
	if _, ok := got[1]; ok {
		t.Error("sequence 1 reported acked")
	}

	// Same ack again retires nothing new.
	acks, _ = r.ProcessSegment(seg(1, 2, 1|1<<2))
	if len(acks) != 0 {
		t.Errorf("repeat ack produced %+v", acks)
	}
	if r.Stats().Acked != 2 {
		t.Errorf("Acked = %d", r.Stats().Acked)
	}
	if len(r.RecentAcks()) != 2 {
		t.Errorf("RecentAcks = %+v", r.RecentAcks())
	}
}

func TestAckForUnsentSequenceIgnored(t *testing.T) {
	r := NewReliabilityContext()
	r.InsertSegment()
	for _, ack := range []uint16{1, 2, 500} {
		if acks, _ := r.ProcessSegment(seg(ack, ack, ^uint32(0))); len(acks) != 0 {
			t.Errorf("ack %d retired %+v", ack, acks)
		}
	}
}

func TestFreshPeerAckRetiresNothing(t *testing.T) {
	r := NewReliabilityContext()
	for i := 0; i < 5; i++ {
		r.InsertSegment()
	}
	if acks, _ := r.ProcessSegment(seg(0, 0, 0xFFFFFFFE)); len(acks) != 0 {
		t.Errorf("fresh peer ack retired %+v", acks)
	}
}

func TestLossCounting(t *testing.T) {
	r := NewReliabilityContext()
	for i := 0; i < AckWindow; i++ {
		r.InsertSegment()
	}
	if r.Stats().Lost != 0 {
		t.Fatalf("Lost = %d before window filled", r.Stats().Lost)
	}
	r.InsertSegment()
	if r.Stats().Lost != 1 {
		t.Fatalf("Lost = %d, want 1", r.Stats().Lost)
	}

	// Ack everything outstanding; nothing further is lost.
	r.ProcessSegment(seg(0, r.LocalSequence()-1, ^uint32(0)))
	for i := 0; i < AckWindow; i++ {
		r.InsertSegment()
	}
	if r.Stats().Lost != 1 {
		t.Errorf("Lost = %d after full ack, want 1", r.Stats().Lost)
	}
}

func TestLossRaisesRoundTripAndCongestion(t *testing.T) {
	clock := newFakeClock()
	r := NewReliabilityContext()
	withClock(r, clock)

	for i := 0; i < 100; i++ {
		r.InsertSegment()
		clock.advance(100 * time.Millisecond)
	}

	st := r.Stats()
	if st.Lost != 100-AckWindow || st.Acked != 0 {
		t.Fatalf("lost = %d acked = %d", st.Lost, st.Acked)
	}
	// Each expired packet waited a full window of sends.
	want := AckWindow * 100 * time.Millisecond
	if d := st.AverageRoundTrip - want; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("average = %v, want about %v", st.AverageRoundTrip, want)
	}
	if !r.IsCongested() {
		t.Error("lossy link not flagged as congested")
	}
}

func TestCongestion(t *testing.T) {
	clock := newFakeClock()
	r := NewReliabilityContext()
	withClock(r, clock)

	r.InsertSegment()
	clock.advance(400 * time.Millisecond)
	r.ProcessSegment(seg(0, 0, 1))
	if !r.IsCongested() {
		t.Fatalf("not congested with RTT %v", r.AverageRoundTrip())
	}

	// Bring the average down with fast acks.
	var seq uint16 = 1
	for i := 0; i < 40; i++ {
		r.InsertSegment()
		clock.advance(5 * time.Millisecond)
		r.ProcessSegment(seg(seq, r.LocalSequence()-1, 1))
		seq++
	}
	if r.AverageRoundTrip() >= CongestionThreshold {
		t.Fatalf("average still %v", r.AverageRoundTrip())
	}
	if !r.IsCongested() {
		t.Fatal("congestion cleared without recovery time")
	}

	r.OnUpdate(CongestionRecovery - time.Second)
	if !r.IsCongested() {
		t.Fatal("cleared early")
	}
	r.OnUpdate(time.Second)
	if r.IsCongested() {
		t.Error("still congested after recovery")
	}
}

func TestSinceLastReceived(t *testing.T) {
	r := NewReliabilityContext()
	r.OnUpdate(3 * time.Second)
	r.OnUpdate(2 * time.Second)
	if r.SinceLastReceived() != 5*time.Second {
		t.Fatalf("SinceLastReceived = %v", r.SinceLastReceived())
	}
	r.ProcessSegment(seg(0, 0, 0))
	if r.SinceLastReceived() != 0 {
		t.Errorf("not reset on receipt: %v", r.SinceLastReceived())
	}
	r.OnUpdate(time.Second)
	r.ProcessSegment(seg(0, 0, 0))
	if r.SinceLastReceived() != time.Second {
		t.Errorf("duplicate reset the idle timer: %v", r.SinceLastReceived())
	}
}

func TestResetKeepsClock(t *testing.T) {
	clock := newFakeClock()
	r := NewReliabilityContext()
	withClock(r, clock)
	r.InsertSegment()
	r.Reset()

	r.InsertSegment()
	clock.advance(20 * time.Millisecond)
	acks, _ := r.ProcessSegment(seg(0, 0, 1))
	if len(acks) != 1 || acks[0].RoundTrip != 20*time.Millisecond {
		t.Errorf("acks = %+v", acks)
	}
}
