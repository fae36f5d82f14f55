// Package procsession maintains per-host process tables. Each refresh
// pulls one or more ranked sub-lists (top CPU, top memory) from the live
// host and merges them into a single table keyed by pid. A failed
// refresh keeps the last successful snapshot, flagged stale, so callers
// can always tell "no data yet" from "old data" from "genuinely empty".
package procsession

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/models"
)

// Gate exposes the reachability check used before any remote call.
// Satisfied by store.Store.
type Gate interface {
	Get(id string) (models.HostRecord, bool)
}

// Commander is the command boundary used for process operations.
// Satisfied by agentlink.Server.
type Commander interface {
	// FetchProcessLists returns the host's ranked sub-lists, highest
	// priority first.
	FetchProcessLists(ctx context.Context, hostID string) ([][]models.ProcessEntry, error)
	// TerminateProcess kills one process by pid.
	TerminateProcess(ctx context.Context, hostID string, pid int32) error
}

// Manager holds the per-host snapshots.
type Manager struct {
	mu        sync.RWMutex
	snapshots map[string]models.ProcessSnapshot

	gate      Gate
	commander Commander
	logger    zerolog.Logger
	nowFn     func() time.Time
}

// NewManager creates a Manager.
func NewManager(gate Gate, commander Commander, logger zerolog.Logger) *Manager {
	return &Manager{
		snapshots: make(map[string]models.ProcessSnapshot),
		gate:      gate,
		commander: commander,
		logger:    logger.With().Str("component", "procsession").Logger(),
		nowFn:     time.Now,
	}
}

// MergeRanked folds ranked sub-lists into one deduplicated table. Lists
// are ordered by priority: the first occurrence of a pid wins outright,
// so a process appearing in both the CPU and the memory ranking keeps
// the higher-priority list's metrics rather than mixing partial fields.
func MergeRanked(lists ...[]models.ProcessEntry) []models.ProcessEntry {
	var merged []models.ProcessEntry
	seen := make(map[int32]struct{})
	for _, list := range lists {
		for _, entry := range list {
			if _, ok := seen[entry.PID]; ok {
				continue
			}
			seen[entry.PID] = struct{}{}
			merged = append(merged, entry)
		}
	}
	return merged
}

// Refresh fetches and merges the host's ranked lists. On failure the
// previous snapshot is retained and returned flagged stale alongside a
// RefreshFailed error; the caller decides whether stale data is usable.
// The manager lock is never held across the remote fetch.
func (m *Manager) Refresh(ctx context.Context, hostID string) (models.ProcessSnapshot, error) {
	rec, ok := m.gate.Get(hostID)
	if !ok {
		return models.ProcessSnapshot{HostID: hostID}, vigilerrors.NotFound("refresh", hostID)
	}
	if rec.Reachability != models.ReachabilityLive {
		return m.staleFallback(hostID), vigilerrors.NotReachable("refresh", hostID)
	}

	lists, err := m.commander.FetchProcessLists(ctx, hostID)
	if err != nil {
		m.logger.Warn().Err(err).Str("host", hostID).Msg("Process refresh failed, retaining previous snapshot")
		return m.staleFallback(hostID), vigilerrors.RefreshFailed("refresh", hostID, err)
	}

	snap := models.ProcessSnapshot{
		HostID:     hostID,
		CapturedAt: m.nowFn(),
		Stale:      false,
		Processes:  MergeRanked(lists...),
	}

	m.mu.Lock()
	m.snapshots[hostID] = snap
	m.mu.Unlock()

	m.logger.Debug().Str("host", hostID).Int("processes", len(snap.Processes)).Msg("Process snapshot refreshed")
	return snap.Clone(), nil
}

// staleFallback marks and returns the retained snapshot for a host. A
// host with no successful refresh yet yields an empty snapshot that is
// not stale: there is nothing old to show.
func (m *Manager) staleFallback(hostID string) models.ProcessSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[hostID]
	if !ok {
		return models.ProcessSnapshot{HostID: hostID}
	}
	snap.Stale = true
	m.snapshots[hostID] = snap
	return snap.Clone()
}

// Snapshot returns the last known process table without contacting the
// host. ok is false when no refresh has ever succeeded.
func (m *Manager) Snapshot(hostID string) (models.ProcessSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[hostID]
	if !ok {
		return models.ProcessSnapshot{HostID: hostID}, false
	}
	return snap.Clone(), true
}

// Terminate kills a process on the host and, on success, refreshes the
// snapshot immediately so the caller sees the change without waiting for
// the next poll. A refresh failure after a successful kill is not an
// error: the kill happened, the table is just stale.
func (m *Manager) Terminate(ctx context.Context, hostID string, pid int32) (models.ProcessSnapshot, error) {
	rec, ok := m.gate.Get(hostID)
	if !ok {
		return models.ProcessSnapshot{HostID: hostID}, vigilerrors.NotFound("terminate", hostID)
	}
	if rec.Reachability != models.ReachabilityLive {
		return m.staleFallback(hostID), vigilerrors.NotReachable("terminate", hostID)
	}

	if err := m.commander.TerminateProcess(ctx, hostID, pid); err != nil {
		return m.staleFallback(hostID), vigilerrors.CommandFailed("terminate", hostID, err)
	}

	m.logger.Info().Str("host", hostID).Int32("pid", pid).Msg("Process terminated")

	snap, err := m.Refresh(ctx, hostID)
	if err != nil {
		m.logger.Warn().Err(err).Str("host", hostID).Msg("Post-terminate refresh failed")
		return snap, nil
	}
	return snap, nil
}

// Drop discards the snapshot for a removed host.
func (m *Manager) Drop(hostID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, hostID)
}
