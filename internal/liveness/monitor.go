// Package liveness runs the background sweeps that demote silent hosts
// and reconcile against the source of record. Two cadences: a fast sweep
// evaluating elapsed time since the last accepted observation, and a
// slower pull sweep that catches hosts the push channel under-reports.
package liveness

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/metrics"
	"github.com/vigilproject/vigil/internal/models"
	"github.com/vigilproject/vigil/internal/store"
)

// Observer is the reconciliation engine surface the sweeps drive: pull
// observations go in through ObserveAll, staleness demotions through
// MarkSilent. Both run under the engine's per-host ordering, so a sweep
// and a racing observation cannot announce transitions out of order.
type Observer interface {
	ObserveAll(observations []models.Observation) error
	MarkSilent(hostID string, at time.Time) bool
}

// SnapshotSource fetches the full pull snapshot. Satisfied by
// registry.Client.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) ([]models.Observation, error)
}

// Config controls sweep behavior.
type Config struct {
	// StaleAfter is the silence threshold, evaluated on wall-clock time
	// since the last accepted observation from either channel.
	StaleAfter time.Duration
	// SweepInterval is the fast staleness cadence.
	SweepInterval time.Duration
	// PullInterval is the slower source-of-record cadence. Ignored when
	// Source is nil.
	PullInterval time.Duration
	// PullTimeout bounds one snapshot fetch.
	PullTimeout time.Duration
}

// Monitor owns the sweep loops.
type Monitor struct {
	cfg     Config
	store   *store.Store
	engine  Observer
	source  SnapshotSource // nil disables pull sweeps
	metrics *metrics.CoreMetrics
	logger  zerolog.Logger
	nowFn   func() time.Time
}

// New creates a Monitor. source and m may be nil.
func New(cfg Config, s *store.Store, engine Observer, source SnapshotSource, m *metrics.CoreMetrics, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   s,
		engine:  engine,
		source:  source,
		metrics: m,
		logger:  logger.With().Str("component", "liveness").Logger(),
		nowFn:   time.Now,
	}
}

// Run blocks until ctx is cancelled, driving both sweep cadences. An
// initial pull reconciliation runs immediately so the table is populated
// before the first staleness evaluation can demote anything.
func (m *Monitor) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(m.cfg.SweepInterval)
	defer sweepTicker.Stop()

	var pullCh <-chan time.Time
	if m.source != nil {
		pullTicker := time.NewTicker(m.cfg.PullInterval)
		defer pullTicker.Stop()
		pullCh = pullTicker.C

		m.pullReconcile(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Liveness monitor stopped")
			return
		case <-sweepTicker.C:
			m.Sweep()
		case <-pullCh:
			m.pullReconcile(ctx)
		}
	}
}

// Sweep demotes hosts whose last accepted observation is older than the
// staleness threshold. Hosts with no observations at all stay Unknown;
// already-Silent hosts are left alone, so repeated sweeps emit nothing
// new.
func (m *Monitor) Sweep() {
	start := m.nowFn()
	demoted := 0

	for _, rec := range m.store.List() {
		if rec.LastObservedAt.IsZero() || rec.Reachability == models.ReachabilitySilent {
			continue
		}
		if start.Sub(rec.LastObservedAt) <= m.cfg.StaleAfter {
			continue
		}
		// The engine re-checks under the store lock; a concurrent
		// observation between List and here wins.
		if !m.engine.MarkSilent(rec.ID, start) {
			continue
		}
		demoted++
		m.logger.Info().
			Str("host", rec.ID).
			Time("lastObservedAt", rec.LastObservedAt).
			Msg("Host went silent")
	}

	if m.metrics != nil {
		m.metrics.ObserveSweep(m.nowFn().Sub(start).Seconds())
		m.metrics.SetTrackedHosts(m.store.Counts())
	}
	if demoted > 0 {
		m.logger.Debug().Int("demoted", demoted).Msg("Staleness sweep complete")
	}
}

// pullReconcile fetches the source-of-record snapshot and feeds it
// through the engine. The fetch is bounded by the pull timeout and does
// not touch store locks while in flight. A failed or timed-out fetch is
// "no observation this round": it never demotes anything by itself.
func (m *Monitor) pullReconcile(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
	defer cancel()

	observations, err := m.source.FetchSnapshot(fetchCtx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordPullError()
		}
		m.logger.Warn().Err(err).Msg("Snapshot fetch failed, no pull observations this round")
		return
	}

	if err := m.engine.ObserveAll(observations); err != nil {
		m.logger.Error().Err(err).Msg("Pull reconciliation aborted")
		return
	}
	m.logger.Debug().Int("observations", len(observations)).Msg("Pull reconciliation complete")
}
