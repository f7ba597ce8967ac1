// Package scheduler runs the periodic background tasks of a kgnet process:
// session history pruning and transport statistics logging.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/config"
)

// Pruner removes history older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Stats is a point-in-time summary of the transport.
type Stats struct {
	Clients    int
	MaxClients int
	Uptime     time.Duration
	Dropped    uint64
}

// StatsSource reports transport stats.
type StatsSource interface {
	Stats() Stats
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func() Stats

// Stats calls f.
func (f StatsFunc) Stats() Stats { return f() }

// Scheduler manages periodic background tasks. Either source may be nil, in
// which case its task is not run.
type Scheduler struct {
	timers    config.TimerConfig
	retention time.Duration
	pruner    Pruner
	stats     StatsSource
	now       func() time.Time
}

// NewScheduler creates a scheduler from the application config.
func NewScheduler(app config.ApplicationData, pruner Pruner, stats StatsSource) *Scheduler {
	return &Scheduler{
		timers:    app.Timers,
		retention: time.Duration(app.Database.RetentionDays) * 24 * time.Hour,
		pruner:    pruner,
		stats:     stats,
		now:       time.Now,
	}
}

// Start runs the tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.pruner != nil && s.retention > 0 && s.timers.PruneIntervalSec > 0 {
		go s.runLoop(ctx, "history pruning", seconds(s.timers.PruneIntervalSec), func() { s.RunPrune() })
	}
	if s.stats != nil && s.timers.StatsIntervalSec > 0 {
		go s.runLoop(ctx, "stats logging", seconds(s.timers.StatsIntervalSec), func() { s.CollectStats() })
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (s *Scheduler) runLoop(ctx context.Context, name string, every time.Duration, task func()) {
	log.Debug().Str("task", name).Dur("interval", every).Msg("task scheduled")

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// RunPrune deletes history older than the retention window and returns the
// number of rows removed.
func (s *Scheduler) RunPrune() int64 {
	if s.pruner == nil || s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("history pruning failed")
		return 0
	}
	log.Info().
		Int64("removed", removed).
		Time("cutoff", cutoff).
		Msg("history pruned")
	return removed
}

// CollectStats logs the current transport stats and returns them.
func (s *Scheduler) CollectStats() Stats {
	if s.stats == nil {
		return Stats{}
	}
	st := s.stats.Stats()
	log.Info().
		Str("clients", fmt.Sprintf("%d/%d", st.Clients, st.MaxClients)).
		Str("uptime", FormatUptime(st.Uptime)).
		Uint64("dropped_datagrams", st.Dropped).
		Msg("transport stats")
	return st
}

// FormatUptime renders d as "1d 2h 3m" style text.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	secs := int(d / time.Second)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
