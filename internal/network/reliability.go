package network

import (
	"time"

	"github.com/kargono/kgnet/internal/protocol"
)

const (
	// AckWindow is the number of sequences covered by one ack bitfield.
	AckWindow = 32

	// CongestionThreshold is the smoothed round trip above which a
	// connection is considered congested.
	CongestionThreshold = 250 * time.Millisecond
	// CongestionRecovery is how long the round trip must stay under the
	// threshold before the congested flag clears.
	CongestionRecovery = 10 * time.Second

	rttSmoothing   = 0.1
	maxRecentAcks  = 32
	halfSequenceSp = 1 << 15
)

// SequenceGreaterThan reports whether s1 is newer than s2 in the 16-bit
// wrapping sequence space.
func SequenceGreaterThan(s1, s2 uint16) bool {
	return (s1 > s2 && s1-s2 <= halfSequenceSp) ||
		(s1 < s2 && s2-s1 > halfSequenceSp)
}

// AckRecord is one local packet the peer confirmed, with its round trip.
type AckRecord struct {
	Sequence  uint16
	RoundTrip time.Duration
}

// RoundTripContext keeps send times for the last AckWindow sequences and a
// smoothed round trip estimate.
type RoundTripContext struct {
	sendTimes [AckWindow]time.Time
	average   time.Duration
	samples   uint64
}

func (r *RoundTripContext) recordSend(seq uint16, at time.Time) {
	r.sendTimes[seq%AckWindow] = at
}

func (r *RoundTripContext) sample(seq uint16, now time.Time) time.Duration {
	sent := r.sendTimes[seq%AckWindow]
	if sent.IsZero() {
		return 0
	}
	rtt := now.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	if r.samples == 0 {
		r.average = rtt
	} else {
		r.average = time.Duration(float64(r.average)*(1-rttSmoothing) + float64(rtt)*rttSmoothing)
	}
	r.samples++
	return rtt
}

// Average returns the smoothed round trip, zero before the first sample.
func (r *RoundTripContext) Average() time.Duration { return r.average }

// CongestionContext flips to congested when the round trip exceeds
// CongestionThreshold and back after CongestionRecovery of good samples.
type CongestionContext struct {
	congested        bool
	timeNotCongested time.Duration
}

func (c *CongestionContext) observe(avg time.Duration) {
	if avg > CongestionThreshold {
		c.congested = true
		c.timeNotCongested = 0
	}
}

func (c *CongestionContext) update(delta, avg time.Duration) {
	if avg >= CongestionThreshold {
		return
	}
	c.timeNotCongested += delta
	if c.congested && c.timeNotCongested >= CongestionRecovery {
		c.congested = false
		c.timeNotCongested = 0
	}
}

// Congested reports the current flag.
func (c *CongestionContext) Congested() bool { return c.congested }

// ReliabilityStats is a point-in-time view of a ReliabilityContext.
type ReliabilityStats struct {
	LocalSequence     uint16        `json:"local_sequence"`
	RemoteSequence    uint16        `json:"remote_sequence"`
	Sent              uint64        `json:"sent"`
	Received          uint64        `json:"received"`
	Acked             uint64        `json:"acked"`
	Lost              uint64        `json:"lost"`
	Duplicates        uint64        `json:"duplicates"`
	AverageRoundTrip  time.Duration `json:"average_round_trip"`
	SinceLastReceived time.Duration `json:"since_last_received"`
	Congested         bool          `json:"congested"`
}

// ReliabilityContext tracks sequences and acknowledgements for one peer.
//
// localAckBits bit i is set when the peer acknowledged localSequence-1-i.
// remoteAckBits bit i is set when remoteSequence-i was received from the
// peer; it is sent back verbatim as the AckBits of every segment.
type ReliabilityContext struct {
	localSequence  uint16
	remoteSequence uint16
	localAckBits   uint32
	remoteAckBits  uint32

	rtt        RoundTripContext
	congestion CongestionContext

	sinceLastReceived time.Duration
	recentAcks        []AckRecord

	sent       uint64
	received   uint64
	acked      uint64
	lost       uint64
	duplicates uint64

	now func() time.Time
}

// NewReliabilityContext returns a context in its fresh state.
func NewReliabilityContext() *ReliabilityContext {
	r := &ReliabilityContext{}
	r.Reset()
	return r
}

// Reset returns the context to its fresh state. It must be called whenever
// the owning slot is given to a new peer.
func (r *ReliabilityContext) Reset() {
	now := r.now
	*r = ReliabilityContext{
		localAckBits:  ^uint32(0),
		remoteAckBits: ^uint32(0) &^ 1,
		now:           now,
	}
	if r.now == nil {
		r.now = time.Now
	}
}

// InsertSegment stamps the next outgoing segment and advances the local
// sequence. A local packet that leaves the ack window unacknowledged is
// counted as lost and its age is sampled as a round trip.
func (r *ReliabilityContext) InsertSegment() protocol.ReliabilitySegment {
	r.ensureClock()

	if r.localAckBits&(1<<(AckWindow-1)) == 0 {
		r.lost++
		// The expiring sequence shares a sendTimes slot with the new one.
		r.rtt.sample(r.localSequence-AckWindow, r.now())
		r.congestion.observe(r.rtt.Average())
	}

	seg := protocol.ReliabilitySegment{
		Sequence: r.localSequence,
		Ack:      r.remoteSequence,
		AckBits:  r.remoteAckBits,
	}
	r.rtt.recordSend(r.localSequence, r.now())
	r.localSequence++
	r.localAckBits <<= 1
	r.sent++
	return seg
}

// ProcessSegment applies a received segment. It returns false for a
// duplicate or a sequence too old to fit the ack window; the caller should
// drop such packets. Otherwise it returns the local packets newly
// acknowledged by the peer.
func (r *ReliabilityContext) ProcessSegment(seg protocol.ReliabilitySegment) ([]AckRecord, bool) {
	r.ensureClock()

	if !r.processReceivedSequence(seg.Sequence) {
		r.duplicates++
		return nil, false
	}
	r.received++
	r.sinceLastReceived = 0

	return r.processReceivedAck(seg.Ack, seg.AckBits), true
}

func (r *ReliabilityContext) processReceivedSequence(seq uint16) bool {
	if SequenceGreaterThan(seq, r.remoteSequence) {
		distance := seq - r.remoteSequence
		if distance >= AckWindow {
			r.remoteAckBits = 1
		} else {
			r.remoteAckBits = r.remoteAckBits<<distance | 1
		}
		r.remoteSequence = seq
		return true
	}

	distance := r.remoteSequence - seq
	if distance >= AckWindow {
		return false
	}
	bit := uint32(1) << distance
	if r.remoteAckBits&bit != 0 {
		return false
	}
	r.remoteAckBits |= bit
	return true
}

func (r *ReliabilityContext) processReceivedAck(ack uint16, bits uint32) []AckRecord {
	if ack == r.localSequence || SequenceGreaterThan(ack, r.localSequence) {
		return nil
	}
	distance := r.localSequence - ack
	if distance > AckWindow {
		return nil
	}

	shifted := bits << (distance - 1)
	newly := ^r.localAckBits & shifted
	if newly == 0 {
		return nil
	}

	now := r.now()
	var records []AckRecord
	for i := uint16(0); i < AckWindow; i++ {
		if newly&(1<<i) == 0 {
			continue
		}
		seq := r.localSequence - 1 - i
		rec := AckRecord{Sequence: seq, RoundTrip: r.rtt.sample(seq, now)}
		records = append(records, rec)
		r.acked++
	}
	r.localAckBits |= shifted
	r.congestion.observe(r.rtt.Average())

	r.recentAcks = append(r.recentAcks, records...)
	if over := len(r.recentAcks) - maxRecentAcks; over > 0 {
		r.recentAcks = append(r.recentAcks[:0], r.recentAcks[over:]...)
	}
	return records
}

// OnUpdate advances time-based state by delta.
func (r *ReliabilityContext) OnUpdate(delta time.Duration) {
	r.sinceLastReceived += delta
	r.congestion.update(delta, r.rtt.Average())
}

func (r *ReliabilityContext) ensureClock() {
	if r.now == nil {
		r.now = time.Now
	}
}

// LocalSequence is the sequence the next outgoing segment will carry.
func (r *ReliabilityContext) LocalSequence() uint16 { return r.localSequence }

// RemoteSequence is the newest sequence received from the peer.
func (r *ReliabilityContext) RemoteSequence() uint16 { return r.remoteSequence }

// SinceLastReceived is the time accumulated by OnUpdate since the last
// accepted segment.
func (r *ReliabilityContext) SinceLastReceived() time.Duration { return r.sinceLastReceived }

// AverageRoundTrip returns the smoothed round trip.
func (r *ReliabilityContext) AverageRoundTrip() time.Duration { return r.rtt.Average() }

// IsCongested reports the congestion flag.
func (r *ReliabilityContext) IsCongested() bool { return r.congestion.Congested() }

// RecentAcks returns a copy of the most recent acknowledgements, oldest first.
func (r *ReliabilityContext) RecentAcks() []AckRecord {
	out := make([]AckRecord, len(r.recentAcks))
	copy(out, r.recentAcks)
	return out
}

// Stats returns counters and estimates.
func (r *ReliabilityContext) Stats() ReliabilityStats {
	return ReliabilityStats{
		LocalSequence:     r.localSequence,
		RemoteSequence:    r.remoteSequence,
		Sent:              r.sent,
		Received:          r.received,
		Acked:             r.acked,
		Lost:              r.lost,
		Duplicates:        r.duplicates,
		AverageRoundTrip:  r.rtt.Average(),
		SinceLastReceived: r.sinceLastReceived,
		Congested:         r.congestion.Congested(),
	}
}
