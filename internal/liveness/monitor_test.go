package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilproject/vigil/internal/models"
	"github.com/vigilproject/vigil/internal/notify"
	"github.com/vigilproject/vigil/internal/reconcile"
	"github.com/vigilproject/vigil/internal/store"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	engine   *reconcile.Engine
	notifier *notify.Notifier
	monitor  *Monitor
}

func newFixture(t *testing.T, staleAfter time.Duration, source SnapshotSource) *fixture {
	t.Helper()
	st := store.New()
	notifier := notify.New(16, zerolog.Nop())
	engine := reconcile.New(st, notifier, nil, zerolog.Nop())
	monitor := New(Config{
		StaleAfter:    staleAfter,
		SweepInterval: time.Second,
		PullInterval:  time.Second,
		PullTimeout:   time.Second,
	}, st, engine, source, nil, zerolog.Nop())
	return &fixture{store: st, engine: engine, notifier: notifier, monitor: monitor}
}

func TestSweepDemotesStaleHost(t *testing.T) {
	f := newFixture(t, 30*time.Second, nil)

	require.NoError(t, f.engine.Observe(models.Observation{HostID: "h1", Timestamp: base, Source: models.SourcePush}))

	f.monitor.nowFn = func() time.Time { return base.Add(31 * time.Second) }
	f.monitor.Sweep()

	rec, _ := f.store.Get("h1")
	assert.Equal(t, models.ReachabilitySilent, rec.Reachability)
}

func TestSweepLeavesFreshHostAlone(t *testing.T) {
	f := newFixture(t, 30*time.Second, nil)

	require.NoError(t, f.engine.Observe(models.Observation{HostID: "h1", Timestamp: base, Source: models.SourcePush}))

	// Exactly at the threshold is not yet stale.
	f.monitor.nowFn = func() time.Time { return base.Add(30 * time.Second) }
	f.monitor.Sweep()

	rec, _ := f.store.Get("h1")
	assert.Equal(t, models.ReachabilityLive, rec.Reachability)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, 30*time.Second, nil)

	require.NoError(t, f.engine.Observe(models.Observation{HostID: "h1", Timestamp: base, Source: models.SourcePush}))

	events, cancel := f.notifier.Subscribe()
	defer cancel()

	f.monitor.nowFn = func() time.Time { return base.Add(time.Minute) }
	f.monitor.Sweep()
	f.monitor.Sweep()
	f.monitor.Sweep()

	var demotions int
	for {
		select {
		case <-events:
			demotions++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, demotions, "repeated sweeps on a silent host announce nothing new")
}

func TestSweepSkipsHostsWithoutObservations(t *testing.T) {
	f := newFixture(t, 30*time.Second, nil)

	// A record can only exist via an observation, but the zero
	// LastObservedAt guard must hold regardless.
	f.monitor.nowFn = func() time.Time { return base.Add(time.Hour) }
	f.monitor.Sweep()

	assert.Empty(t, f.store.List())
}

type fakeSource struct {
	observations []models.Observation
	err          error
	calls        int
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) ([]models.Observation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.observations, nil
}

func TestPullReconcileFeedsEngine(t *testing.T) {
	source := &fakeSource{observations: []models.Observation{
		{HostID: "h1", Timestamp: base, Source: models.SourcePull},
		{HostID: "h2", Timestamp: base, Source: models.SourcePull},
	}}
	f := newFixture(t, 30*time.Second, source)

	f.monitor.pullReconcile(context.Background())

	assert.Len(t, f.store.List(), 2)
}

// A failed fetch is "no observation this round": tracked hosts keep
// their state and nothing is demoted.
func TestPullReconcileFailureDemotesNothing(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	f := newFixture(t, 30*time.Second, source)

	require.NoError(t, f.engine.Observe(models.Observation{HostID: "h1", Timestamp: base, Source: models.SourcePush}))

	f.monitor.pullReconcile(context.Background())

	rec, _ := f.store.Get("h1")
	assert.Equal(t, models.ReachabilityLive, rec.Reachability)
}

// Full lifecycle through engine, sweeps, and notifier: a host is seen by
// pull, refreshed by push, then falls silent once both channels go
// quiet. Exactly one Live and one Silent announcement come out.
func TestHostLifecyclePullThenPushThenSilence(t *testing.T) {
	source := &fakeSource{observations: []models.Observation{
		{HostID: "h1", Timestamp: base, Source: models.SourcePull, Attributes: map[string]any{"cpu": 10.0}},
	}}
	f := newFixture(t, 10*time.Second, source)

	events, cancel := f.notifier.Subscribe()
	defer cancel()

	// Pull sees the host first.
	f.monitor.pullReconcile(context.Background())
	rec, ok := f.store.Get("h1")
	require.True(t, ok)
	assert.Equal(t, models.ReachabilityLive, rec.Reachability)

	// A later push heartbeat keeps it fresh and updates attributes.
	require.NoError(t, f.engine.Observe(models.Observation{
		HostID: "h1", Timestamp: base.Add(5 * time.Second), Source: models.SourcePush,
		Attributes: map[string]any{"cpu": 40.0},
	}))
	rec, _ = f.store.Get("h1")
	assert.Equal(t, models.ReachabilityLive, rec.Reachability)
	assert.Equal(t, base.Add(5*time.Second), rec.LastObservedAt)
	assert.Equal(t, 40.0, rec.Attributes["cpu"])

	// Both channels go quiet; eleven seconds after the last heartbeat the
	// sweep demotes.
	f.monitor.nowFn = func() time.Time { return base.Add(16 * time.Second) }
	f.monitor.Sweep()

	rec, _ = f.store.Get("h1")
	assert.Equal(t, models.ReachabilitySilent, rec.Reachability)

	var got []models.TransitionEvent
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			continue
		default:
		}
		break
	}
	require.Len(t, got, 2, "one Live and one Silent announcement across the whole lifecycle")
	assert.Equal(t, models.ReachabilityLive, got[0].To)
	assert.Equal(t, models.ReachabilitySilent, got[1].To)

	// Another sweep announces nothing new.
	f.monitor.Sweep()
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra announcement: %+v", ev)
	default:
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, 30*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}
