// Package store holds the in-memory host table shared by the
// reconciliation engine, the staleness monitor, and the control-session
// managers. The merge policy itself is applied here, atomically under the
// store lock, so that concurrent observers cannot interleave a
// compare-and-apply; everything above the store decides what to do with
// the outcome.
package store

import (
	"sort"
	"sync"
	"time"

	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/models"
)

// Store is the single mutable shared resource of the core. All reads
// return copies; callers never see live map entries.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]*models.HostRecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		hosts: make(map[string]*models.HostRecord),
	}
}

// ApplyResult reports what one observation did to the table.
type ApplyResult struct {
	// Accepted is false when the observation lost the freshness
	// comparison and was dropped.
	Accepted bool
	// Created is true when the observation established a new record.
	Created bool
	// From and To are the host's reachability before and after the
	// observation. Only meaningful when Accepted.
	From models.Reachability
	To   models.Reachability
}

// Apply runs the freshest-wins merge for one observation.
//
// An observation is applied iff it is strictly newer than the record's
// lastObservedAt, or the record does not exist. Equal timestamps are
// broken in favor of Push over Pull; all other equal-timestamp pairs keep
// the first arrival. lastObservedAt never regresses.
func (s *Store) Apply(obs models.Observation) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.hosts[obs.HostID]
	if !ok {
		to := models.ReachabilityLive
		if obs.Terminated {
			to = models.ReachabilitySilent
		}
		s.hosts[obs.HostID] = &models.HostRecord{
			ID:                 obs.HostID,
			Reachability:       to,
			LastObservedAt:     obs.Timestamp,
			LastObservedSource: obs.Source,
			Attributes:         cloneAttributes(obs.Attributes),
		}
		return ApplyResult{
			Accepted: true,
			Created:  true,
			From:     models.ReachabilityUnknown,
			To:       to,
		}, nil
	}

	if rec.ID != obs.HostID {
		// Divergent identity under one key can only come from a store
		// bug, never from input.
		return ApplyResult{}, vigilerrors.New(vigilerrors.KindCorruption, "apply", obs.HostID, vigilerrors.ErrStoreCorruption)
	}

	if !fresher(obs, rec) {
		return ApplyResult{Accepted: false}, nil
	}

	from := rec.Reachability
	to := models.ReachabilityLive
	if obs.Terminated {
		to = models.ReachabilitySilent
	}

	rec.Reachability = to
	rec.LastObservedAt = obs.Timestamp
	rec.LastObservedSource = obs.Source
	rec.Attributes = cloneAttributes(obs.Attributes)

	return ApplyResult{Accepted: true, From: from, To: to}, nil
}

// fresher decides whether obs beats the current record. Strictly newer
// always wins; an equal timestamp wins only for a Push observation
// displacing a Pull-sourced record.
func fresher(obs models.Observation, rec *models.HostRecord) bool {
	if obs.Timestamp.After(rec.LastObservedAt) {
		return true
	}
	return obs.Timestamp.Equal(rec.LastObservedAt) &&
		obs.Source == models.SourcePush &&
		rec.LastObservedSource == models.SourcePull
}

// Get returns a snapshot of one host record.
func (s *Store) Get(id string) (models.HostRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.hosts[id]
	if !ok {
		return models.HostRecord{}, false
	}
	return rec.Clone(), true
}

// List returns snapshots of all records, ordered by host ID.
func (s *Store) List() []models.HostRecord {
	s.mu.RLock()
	out := make([]models.HostRecord, 0, len(s.hosts))
	for _, rec := range s.hosts {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkSilent transitions a host to Silent if it is currently in another
// reachability class and has at least one accepted observation. It
// re-checks the condition under the lock, so racing sweeps produce at
// most one transition. Returns the prior state and whether a transition
// happened.
func (s *Store) MarkSilent(id string) (models.Reachability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.hosts[id]
	if !ok || rec.Reachability == models.ReachabilitySilent || rec.LastObservedAt.IsZero() {
		return models.ReachabilityUnknown, false
	}
	from := rec.Reachability
	rec.Reachability = models.ReachabilitySilent
	return from, true
}

// Remove deletes a host record. This is the only deletion path; silence
// never deletes. Returns false if the host was not tracked.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[id]; !ok {
		return false
	}
	delete(s.hosts, id)
	return true
}

// Counts returns the host population per reachability class.
func (s *Store) Counts() map[models.Reachability]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Reachability]int, 3)
	for _, rec := range s.hosts {
		counts[rec.Reachability]++
	}
	return counts
}

// LastObserved returns a host's last accepted observation time.
func (s *Store) LastObserved(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.hosts[id]
	if !ok {
		return time.Time{}, false
	}
	return rec.LastObservedAt, true
}

func cloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
