package sessions

import (
	"context"
	"log/slog"
	"time"
)

// DefaultGrace is the idle window an empty session survives before its
// memory is reclaimed. Long enough for a page reload to reconnect without
// tearing down and re-creating merge state.
const DefaultGrace = 60 * time.Second

// Reaper schedules the deferred destruction of sessions whose participant
// count has reached zero. Timers are never cancelled: a stale timer is made
// inert by the registry's generation check, which sidesteps cancel-vs-fire
// races entirely.
type Reaper struct {
	reg     *Registry
	grace   time.Duration
	log     *slog.Logger
	metrics MetricsSink
}

func NewReaper(reg *Registry, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Reaper{
		reg:     reg,
		grace:   grace,
		log:     reg.log,
		metrics: reg.metrics,
	}
}

// Grace returns the configured idle window.
func (rp *Reaper) Grace() time.Duration { return rp.grace }

// Schedule arms a one-shot reap for the document under the given
// generation, firing after the configured grace window.
func (rp *Reaper) Schedule(documentID string, generation uint64) {
	rp.ScheduleAfter(documentID, generation, rp.grace)
}

// ScheduleAfter arms a one-shot reap with an explicit delay. When the timer
// fires the removal is attempted exactly once; a rejoin in the interim makes
// it a no-op. Reaping is purely additive cleanup, so a skipped reap is a
// counter, never an error.
func (rp *Reaper) ScheduleAfter(documentID string, generation uint64, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if rp.reg.Remove(context.Background(), documentID, generation) {
			rp.metrics.IncCounter("collab_sessions_reaped", nil)
			rp.log.Debug("idle session reaped", slog.String("doc_id", documentID), slog.Uint64("generation", generation))
		} else {
			rp.metrics.IncCounter("collab_session_reap_skipped", nil)
			rp.log.Debug("reap skipped", slog.String("doc_id", documentID), slog.Uint64("generation", generation))
		}
	})
}
