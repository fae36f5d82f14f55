// Package reconcile merges push and pull observations into the host
// table. Every call site feeds the same Observe path, so the
// freshest-wins rule is applied with identical semantics regardless of
// which channel produced the data.
package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/metrics"
	"github.com/vigilproject/vigil/internal/models"
	"github.com/vigilproject/vigil/internal/store"
)

// TransitionSink receives reachability changes. Satisfied by
// notify.Notifier.
type TransitionSink interface {
	Publish(hostID string, from, to models.Reachability, at time.Time) bool
}

// Engine applies observations to the store and emits transitions.
//
// Store application and transition publication are serialized per host:
// without that, two accepted observations could publish in the reverse
// of their apply order, leaving the notifier announcing a state the
// store has already moved past.
type Engine struct {
	store    *store.Store
	notifier TransitionSink
	metrics  *metrics.CoreMetrics
	logger   zerolog.Logger
	nowFn    func() time.Time

	lockMu    sync.Mutex
	hostLocks map[string]*sync.Mutex
}

// New creates an Engine. metrics may be nil in tests.
func New(s *store.Store, notifier TransitionSink, m *metrics.CoreMetrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:     s,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "reconcile").Logger(),
		nowFn:     time.Now,
		hostLocks: make(map[string]*sync.Mutex),
	}
}

// hostLock returns the ordering mutex for one host, creating it on
// first use. Host counts are tens to low hundreds; entries are freed on
// Remove.
func (e *Engine) hostLock(hostID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	mu, ok := e.hostLocks[hostID]
	if !ok {
		mu = &sync.Mutex{}
		e.hostLocks[hostID] = mu
	}
	return mu
}

// Observe processes one observation. Unknown hosts are created on first
// sight; observations older than the current record are dropped without
// error. The only error surface is an invalid observation or a broken
// store invariant.
func (e *Engine) Observe(obs models.Observation) error {
	if obs.HostID == "" {
		return fmt.Errorf("observation without host id")
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = e.nowFn()
	}

	mu := e.hostLock(obs.HostID)
	mu.Lock()
	defer mu.Unlock()

	res, err := e.store.Apply(obs)
	if err != nil {
		// Store corruption is a programming fault, not a runtime
		// condition; surface it loudly.
		e.logger.Error().Err(err).Str("host", obs.HostID).Msg("Store invariant violated")
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordObservation(obs.Source, res.Accepted)
	}

	if !res.Accepted {
		e.logger.Debug().
			Str("host", obs.HostID).
			Str("source", string(obs.Source)).
			Time("timestamp", obs.Timestamp).
			Msg("Stale observation dropped")
		return nil
	}

	if res.From != res.To {
		if e.notifier.Publish(obs.HostID, res.From, res.To, obs.Timestamp) && e.metrics != nil {
			e.metrics.RecordTransition(res.To)
		}
	}
	return nil
}

// ObserveAll processes a batch, typically one pull snapshot. The first
// invariant failure aborts the batch; stale drops do not.
func (e *Engine) ObserveAll(observations []models.Observation) error {
	for _, obs := range observations {
		if err := e.Observe(obs); err != nil {
			return err
		}
	}
	return nil
}

// MarkSilent demotes a host whose observations have gone stale,
// publishing the transition under the same per-host ordering lock as
// Observe so a racing observation cannot announce out of order. Returns
// whether a transition happened.
func (e *Engine) MarkSilent(hostID string, at time.Time) bool {
	mu := e.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	from, ok := e.store.MarkSilent(hostID)
	if !ok {
		return false
	}
	if e.notifier.Publish(hostID, from, models.ReachabilitySilent, at) && e.metrics != nil {
		e.metrics.RecordTransition(models.ReachabilitySilent)
	}
	return true
}

// Remove deletes a host by operator action and clears its notifier
// dedup state.
func (e *Engine) Remove(hostID string) error {
	mu := e.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	if !e.store.Remove(hostID) {
		return vigilerrors.NotFound("remove", hostID)
	}
	if f, ok := e.notifier.(interface{ Forget(string) }); ok {
		f.Forget(hostID)
	}

	e.lockMu.Lock()
	delete(e.hostLocks, hostID)
	e.lockMu.Unlock()

	e.logger.Info().Str("host", hostID).Msg("Host removed by operator")
	return nil
}
