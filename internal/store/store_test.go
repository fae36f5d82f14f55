package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilproject/vigil/internal/models"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func obs(host string, at time.Time, source models.ObservationSource) models.Observation {
	return models.Observation{HostID: host, Timestamp: at, Source: source}
}

func TestApplyCreatesOnFirstSight(t *testing.T) {
	s := New()

	res, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Created)
	assert.Equal(t, models.ReachabilityUnknown, res.From)
	assert.Equal(t, models.ReachabilityLive, res.To)

	rec, ok := s.Get("h1")
	require.True(t, ok)
	assert.Equal(t, models.ReachabilityLive, rec.Reachability)
	assert.Equal(t, base, rec.LastObservedAt)
	assert.Equal(t, models.SourcePush, rec.LastObservedSource)
}

func TestApplyTerminatedCreatesSilent(t *testing.T) {
	s := New()

	res, err := s.Apply(models.Observation{
		HostID:     "h1",
		Timestamp:  base,
		Source:     models.SourcePull,
		Terminated: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReachabilitySilent, res.To)
}

func TestApplyDropsOlderObservation(t *testing.T) {
	s := New()

	_, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)

	res, err := s.Apply(obs("h1", base.Add(-time.Second), models.SourcePull))
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	rec, _ := s.Get("h1")
	assert.Equal(t, base, rec.LastObservedAt, "lastObservedAt must never regress")
	assert.Equal(t, models.SourcePush, rec.LastObservedSource)
}

func TestApplyNewerObservationWins(t *testing.T) {
	s := New()

	_, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)

	res, err := s.Apply(obs("h1", base.Add(time.Second), models.SourcePull))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	rec, _ := s.Get("h1")
	assert.Equal(t, base.Add(time.Second), rec.LastObservedAt)
	assert.Equal(t, models.SourcePull, rec.LastObservedSource)
}

// Equal timestamps must converge on the push observation regardless of
// arrival order.
func TestApplyEqualTimestampTieBreak(t *testing.T) {
	pushFirst := New()
	_, err := pushFirst.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)
	res, err := pushFirst.Apply(obs("h1", base, models.SourcePull))
	require.NoError(t, err)
	assert.False(t, res.Accepted, "pull must not displace an equal-timestamp push")

	pullFirst := New()
	_, err = pullFirst.Apply(obs("h1", base, models.SourcePull))
	require.NoError(t, err)
	res, err = pullFirst.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)
	assert.True(t, res.Accepted, "push displaces an equal-timestamp pull")

	a, _ := pushFirst.Get("h1")
	b, _ := pullFirst.Get("h1")
	assert.Equal(t, a.LastObservedSource, b.LastObservedSource)
	assert.Equal(t, models.SourcePush, a.LastObservedSource)
}

func TestApplyEqualTimestampSamePushKeepsFirst(t *testing.T) {
	s := New()

	_, err := s.Apply(models.Observation{
		HostID: "h1", Timestamp: base, Source: models.SourcePush,
		Attributes: map[string]any{"seq": 1},
	})
	require.NoError(t, err)

	res, err := s.Apply(models.Observation{
		HostID: "h1", Timestamp: base, Source: models.SourcePush,
		Attributes: map[string]any{"seq": 2},
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	rec, _ := s.Get("h1")
	assert.Equal(t, 1, rec.Attributes["seq"])
}

func TestApplySilentHostRecoversOnFreshObservation(t *testing.T) {
	s := New()

	_, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)

	from, changed := s.MarkSilent("h1")
	require.True(t, changed)
	assert.Equal(t, models.ReachabilityLive, from)

	res, err := s.Apply(obs("h1", base.Add(time.Minute), models.SourcePush))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.ReachabilitySilent, res.From)
	assert.Equal(t, models.ReachabilityLive, res.To)
}

func TestMarkSilent(t *testing.T) {
	s := New()
	_, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)

	from, changed := s.MarkSilent("h1")
	assert.True(t, changed)
	assert.Equal(t, models.ReachabilityLive, from)

	// Already silent: no second transition.
	_, changed = s.MarkSilent("h1")
	assert.False(t, changed)

	// Untracked host: nothing happens.
	_, changed = s.MarkSilent("ghost")
	assert.False(t, changed)
}

func TestRemove(t *testing.T) {
	s := New()
	_, err := s.Apply(obs("h1", base, models.SourcePush))
	require.NoError(t, err)

	assert.True(t, s.Remove("h1"))
	assert.False(t, s.Remove("h1"))
	_, ok := s.Get("h1")
	assert.False(t, ok)
}

func TestListSortedByID(t *testing.T) {
	s := New()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		_, err := s.Apply(obs(id, base, models.SourcePush))
		require.NoError(t, err)
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "bravo", list[1].ID)
	assert.Equal(t, "charlie", list[2].ID)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	_, err := s.Apply(models.Observation{
		HostID: "h1", Timestamp: base, Source: models.SourcePush,
		Attributes: map[string]any{"hostname": "node1"},
	})
	require.NoError(t, err)

	rec, _ := s.Get("h1")
	rec.Attributes["hostname"] = "mutated"

	fresh, _ := s.Get("h1")
	assert.Equal(t, "node1", fresh.Attributes["hostname"])
}

func TestCounts(t *testing.T) {
	s := New()
	_, err := s.Apply(obs("live1", base, models.SourcePush))
	require.NoError(t, err)
	_, err = s.Apply(obs("live2", base, models.SourcePush))
	require.NoError(t, err)
	_, err = s.Apply(obs("gone", base, models.SourcePush))
	require.NoError(t, err)
	s.MarkSilent("gone")

	counts := s.Counts()
	assert.Equal(t, 2, counts[models.ReachabilityLive])
	assert.Equal(t, 1, counts[models.ReachabilitySilent])
}
