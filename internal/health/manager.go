// Package health runs periodic checks on a running kgnet server: socket
// state, slot capacity, peer congestion and idleness, datagram and event
// drops, and free disk space for the session history.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/server"
)

// Level is the severity of a check result.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

var levelStrings = map[Level]string{
	LevelOK:       "ok",
	LevelWarning:  "warning",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "unknown"
}

// MarshalText serializes Level as its name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Check is the result of one health check.
type Check struct {
	Name    string `json:"name"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Report is the outcome of one round of checks. Status is the worst level.
type Report struct {
	Status    Level     `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Failing returns the names of checks that are not ok.
func (r Report) Failing() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Level != LevelOK {
			names = append(names, c.Name)
		}
	}
	return names
}

// Transport is the server as seen by the checks.
type Transport interface {
	Running() bool
	Snapshot() []server.ConnectionInfo
	MaxClients() int
	Dropped() uint64
}

// DropCounter reports events lost to a full queue.
type DropCounter interface {
	Dropped() uint64
}

// Thresholds.
const (
	capacityWarnRatio   = 0.9
	congestedWarnRatio  = 0.5
	diskWarnPercent     = 90.0
	diskCriticalPercent = 95.0
)

// Manager runs the checks on a timer and keeps the latest report.
type Manager struct {
	transport Transport
	bus       *events.EventBus
	queue     DropCounter
	timeout   time.Duration
	interval  time.Duration
	diskPath  string
	diskUsage func(path string) (float64, error)

	mu          sync.RWMutex
	last        Report
	lastDropped uint64
	lastQueue   uint64
}

// NewManager creates a manager for transport. bus receives
// EventHealthChanged and its drop counter is checked; it may be nil. An
// empty diskPath skips the disk check.
func NewManager(transport Transport, bus *events.EventBus, netCfg config.ServerConfig, timers config.TimerConfig, diskPath string) *Manager {
	m := &Manager{
		transport: transport,
		bus:       bus,
		timeout:   netCfg.ConnectionTimeout(),
		interval:  time.Duration(timers.HealthIntervalSec) * time.Second,
		diskPath:  diskPath,
		diskUsage: usedPercent,
		last:      Report{Status: LevelOK},
	}
	if bus != nil {
		m.queue = bus
	}
	return m
}

func usedPercent(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// Start runs the checks immediately and then every interval until ctx is
// cancelled. A non-positive interval disables the loop.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		log.Info().Msg("health checks disabled")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("health check manager started")
	m.Run()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.Run()
		}
	}
}

// Last returns the most recent report.
func (m *Manager) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run performs one round of checks, stores the report and emits
// EventHealthChanged if the overall status moved.
func (m *Manager) Run() Report {
	m.mu.Lock()
	checks := []Check{
		m.checkSocket(),
		m.checkCapacity(),
		m.checkPeers(),
		m.checkDrops(),
	}
	if m.diskPath != "" {
		checks = append(checks, m.checkDisk())
	}

	report := Report{Status: LevelOK, Checks: checks, CheckedAt: time.Now()}
	for _, c := range checks {
		if c.Level > report.Status {
			report.Status = c.Level
		}
		if c.Level != LevelOK {
			log.Warn().Str("check", c.Name).Str("level", c.Level.String()).Msg(c.Message)
		}
	}

	previous := m.last.Status
	m.last = report
	m.mu.Unlock()

	if report.Status != previous {
		log.Info().
			Str("status", report.Status.String()).
			Str("previous", previous.String()).
			Strs("failing", report.Failing()).
			Msg("health status changed")
		if m.bus != nil {
			m.bus.Emit(events.Event{
				Type:   events.EventHealthChanged,
				Source: "health",
				Payload: events.HealthChangedPayload{
					Status:   report.Status.String(),
					Previous: previous.String(),
					Failing:  report.Failing(),
				},
			})
		}
	}
	return report
}

func (m *Manager) checkSocket() Check {
	if !m.transport.Running() {
		return Check{Name: "socket", Level: LevelCritical, Message: "server socket is closed"}
	}
	return Check{Name: "socket", Level: LevelOK, Message: "server socket is open"}
}

func (m *Manager) checkCapacity() Check {
	used, slots := len(m.transport.Snapshot()), m.transport.MaxClients()
	msg := fmt.Sprintf("%d of %d slots in use", used, slots)
	if slots > 0 && float64(used) >= capacityWarnRatio*float64(slots) {
		return Check{Name: "capacity", Level: LevelWarning, Message: msg}
	}
	return Check{Name: "capacity", Level: LevelOK, Message: msg}
}

// checkPeers flags a server where most peers are congested or any peer has
// been silent for over half the connection timeout.
func (m *Manager) checkPeers() Check {
	conns := m.transport.Snapshot()
	congested, idle := 0, 0
	for _, c := range conns {
		if c.Stats.Congested {
			congested++
		}
		if m.timeout > 0 && c.Stats.SinceLastReceived > m.timeout/2 {
			idle++
		}
	}

	msg := fmt.Sprintf("%d congested, %d idle of %d peers", congested, idle, len(conns))
	if len(conns) > 0 && (float64(congested) > congestedWarnRatio*float64(len(conns)) || idle > 0) {
		return Check{Name: "peers", Level: LevelWarning, Message: msg}
	}
	return Check{Name: "peers", Level: LevelOK, Message: msg}
}

// checkDrops compares the drop counters with the previous round. The caller
// holds mu.
func (m *Manager) checkDrops() Check {
	dropped := m.transport.Dropped()
	newDatagrams := dropped - m.lastDropped
	m.lastDropped = dropped

	var newEvents uint64
	if m.queue != nil {
		q := m.queue.Dropped()
		newEvents = q - m.lastQueue
		m.lastQueue = q
	}

	msg := fmt.Sprintf("%d datagrams and %d events dropped since last check", newDatagrams, newEvents)
	if newDatagrams > 0 || newEvents > 0 {
		return Check{Name: "drops", Level: LevelWarning, Message: msg}
	}
	return Check{Name: "drops", Level: LevelOK, Message: msg}
}

func (m *Manager) checkDisk() Check {
	pct, err := m.diskUsage(m.diskPath)
	if err != nil {
		return Check{Name: "disk", Level: LevelWarning, Message: fmt.Sprintf("disk usage unavailable: %v", err)}
	}
	msg := fmt.Sprintf("disk at %.1f%% used", pct)
	switch {
	case pct >= diskCriticalPercent:
		return Check{Name: "disk", Level: LevelCritical, Message: msg}
	case pct >= diskWarnPercent:
		return Check{Name: "disk", Level: LevelWarning, Message: msg}
	}
	return Check{Name: "disk", Level: LevelOK, Message: msg}
}
