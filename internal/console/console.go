// Package console issues remote commands against a single host and keeps
// an operator-facing transcript of what happened. The transcript is an
// audit log: result lines land in completion order, which may differ
// from issue order when invocations overlap.
package console

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/buffer"
	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/metrics"
	"github.com/vigilproject/vigil/internal/models"
)

// Gate exposes the reachability check. Satisfied by store.Store.
type Gate interface {
	Get(id string) (models.HostRecord, bool)
}

// Commander dispatches one command and returns its output. Satisfied by
// agentlink.Server.
type Commander interface {
	Run(ctx context.Context, hostID, command string) (string, error)
}

type invocationState struct {
	inv  models.CommandInvocation
	done chan struct{}
}

// Console manages per-host transcripts and in-flight invocations.
type Console struct {
	mu          sync.Mutex
	transcripts map[string]*buffer.Ring[models.TranscriptLine]
	invocations map[string]*invocationState

	gate           Gate
	commander      Commander
	transcriptCap  int
	commandTimeout time.Duration
	metrics        *metrics.CoreMetrics
	logger         zerolog.Logger
	nowFn          func() time.Time
}

// New creates a Console. m may be nil.
func New(gate Gate, commander Commander, transcriptCap int, commandTimeout time.Duration, m *metrics.CoreMetrics, logger zerolog.Logger) *Console {
	return &Console{
		transcripts:    make(map[string]*buffer.Ring[models.TranscriptLine]),
		invocations:    make(map[string]*invocationState),
		gate:           gate,
		commander:      commander,
		transcriptCap:  transcriptCap,
		commandTimeout: commandTimeout,
		metrics:        m,
		logger:         logger.With().Str("component", "console").Logger(),
		nowFn:          time.Now,
	}
}

// Execute submits a command against a host. The host must currently be
// Live; otherwise the call fails fast with ErrNotReachable and the
// commander is never contacted. The returned invocation is the pending
// handle; completion runs in the background and can be observed with
// Invocation or awaited with Await.
func (c *Console) Execute(ctx context.Context, hostID, command string) (models.CommandInvocation, error) {
	rec, ok := c.gate.Get(hostID)
	if !ok {
		return models.CommandInvocation{}, vigilerrors.NotFound("execute", hostID)
	}
	if rec.Reachability != models.ReachabilityLive {
		return models.CommandInvocation{}, vigilerrors.NotReachable("execute", hostID)
	}

	now := c.nowFn()
	inv := models.CommandInvocation{
		ID:       uuid.NewString(),
		HostID:   hostID,
		Command:  command,
		Status:   models.InvocationPending,
		IssuedAt: now,
	}

	c.mu.Lock()
	c.invocations[inv.ID] = &invocationState{inv: inv, done: make(chan struct{})}
	c.appendLineLocked(hostID, models.TranscriptLine{
		At:           now,
		InvocationID: inv.ID,
		Kind:         models.TranscriptIssued,
		Status:       models.InvocationPending,
		Text:         command,
	})
	c.mu.Unlock()

	c.logger.Info().Str("host", hostID).Str("invocation", inv.ID).Str("command", command).Msg("Command issued")

	// The invocation outlives the submitting request: completion is an
	// audit-log fact, so the dispatch runs on its own deadline rather
	// than the caller's.
	go c.run(inv.ID, hostID, command)

	return inv, nil
}

func (c *Console) run(invocationID, hostID, command string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.commandTimeout)
	defer cancel()

	output, err := c.commander.Run(ctx, hostID, command)

	status := models.InvocationSuccess
	errMsg := ""
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, vigilerrors.ErrCommandTimeout):
		status = models.InvocationError
		errMsg = vigilerrors.CommandTimeout("execute", hostID, c.commandTimeout).Error()
	default:
		status = models.InvocationError
		errMsg = err.Error()
	}

	c.complete(invocationID, hostID, status, output, errMsg)
}

// complete moves an invocation to its terminal state and appends the
// result line. Terminal states are final: a second completion attempt
// for the same invocation is ignored.
func (c *Console) complete(invocationID, hostID string, status models.InvocationStatus, output, errMsg string) {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.invocations[invocationID]
	if !ok || state.inv.Status != models.InvocationPending {
		return
	}

	state.inv.Status = status
	state.inv.CompletedAt = now
	state.inv.Output = output
	state.inv.ErrorMessage = errMsg

	text := output
	if status == models.InvocationError {
		text = errMsg
	}
	c.appendLineLocked(hostID, models.TranscriptLine{
		At:           now,
		InvocationID: invocationID,
		Kind:         models.TranscriptResult,
		Status:       status,
		Text:         text,
	})
	close(state.done)

	if c.metrics != nil {
		c.metrics.RecordCommand(status)
	}
	c.logger.Info().
		Str("host", hostID).
		Str("invocation", invocationID).
		Str("status", string(status)).
		Msg("Command completed")
}

func (c *Console) appendLineLocked(hostID string, line models.TranscriptLine) {
	ring, ok := c.transcripts[hostID]
	if !ok {
		ring = buffer.New[models.TranscriptLine](c.transcriptCap)
		c.transcripts[hostID] = ring
	}
	ring.Push(line)
}

// Invocation returns the current state of an invocation handle.
func (c *Console) Invocation(id string) (models.CommandInvocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.invocations[id]
	if !ok {
		return models.CommandInvocation{}, false
	}
	return state.inv, true
}

// Await blocks until the invocation reaches a terminal state or ctx is
// cancelled. The invocation keeps running after a cancelled wait.
func (c *Console) Await(ctx context.Context, id string) (models.CommandInvocation, error) {
	c.mu.Lock()
	state, ok := c.invocations[id]
	c.mu.Unlock()
	if !ok {
		return models.CommandInvocation{}, vigilerrors.NotFound("await", id)
	}

	select {
	case <-state.done:
	case <-ctx.Done():
		return models.CommandInvocation{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return state.inv, nil
}

// Transcript returns the host's transcript lines, oldest first.
func (c *Console) Transcript(hostID string) []models.TranscriptLine {
	c.mu.Lock()
	ring, ok := c.transcripts[hostID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Items()
}

// Drop discards the transcript for a removed host. In-flight
// invocations still complete into their handles; a late result line
// starts a fresh transcript.
func (c *Console) Drop(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transcripts, hostID)
}
