package models

import "time"

// Reachability classifies how recently a host has been heard from.
type Reachability string

const (
	ReachabilityUnknown Reachability = "unknown"
	ReachabilityLive    Reachability = "live"
	ReachabilitySilent  Reachability = "silent"
)

// ObservationSource identifies which channel produced an observation.
type ObservationSource string

const (
	SourcePush ObservationSource = "push"
	SourcePull ObservationSource = "pull"
)

// HostRecord is the reconciled view of one tracked host.
type HostRecord struct {
	ID                 string            `json:"id"`
	Reachability       Reachability      `json:"reachability"`
	LastObservedAt     time.Time         `json:"lastObservedAt,omitzero"`
	LastObservedSource ObservationSource `json:"lastObservedSource,omitempty"`
	Attributes         map[string]any    `json:"attributes,omitempty"`
}

// Clone returns a copy whose attribute map is independent of the original.
// Attribute values are reported metrics (numbers, strings, string slices)
// and are treated as immutable once stored.
func (r HostRecord) Clone() HostRecord {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Observation is a single report about a host from either channel. It is
// consumed during reconciliation and not retained.
type Observation struct {
	HostID     string
	Timestamp  time.Time
	Source     ObservationSource
	Attributes map[string]any
	// Terminated is set when the payload explicitly announces the host is
	// going away (graceful agent shutdown, decommissioned in the source of
	// record). An accepted terminated observation marks the host Silent
	// instead of Live.
	Terminated bool
}

// TransitionEvent announces a reachability change for one host.
type TransitionEvent struct {
	ID     string       `json:"id"`
	HostID string       `json:"hostId"`
	From   Reachability `json:"from"`
	To     Reachability `json:"to"`
	At     time.Time    `json:"at"`
}

// ProcessEntry is one process row within a session snapshot. Entries come
// from ranked sub-lists (top CPU, top memory) and may carry only the
// metrics their ranking was built on.
type ProcessEntry struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	User       string  `json:"user,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	MemoryMB   float64 `json:"memoryMb,omitempty"`
}

// ProcessSnapshot is the merged, deduplicated process table for one host.
// Stale marks data retained from an earlier successful refresh after a
// later refresh failed; a failure never clears the table, only a
// successful refresh replaces it.
type ProcessSnapshot struct {
	HostID     string         `json:"hostId"`
	CapturedAt time.Time      `json:"capturedAt,omitzero"`
	Stale      bool           `json:"stale"`
	Processes  []ProcessEntry `json:"processes"`
}

// Clone returns a copy with an independent process slice.
func (s ProcessSnapshot) Clone() ProcessSnapshot {
	out := s
	if s.Processes != nil {
		out.Processes = make([]ProcessEntry, len(s.Processes))
		copy(out.Processes, s.Processes)
	}
	return out
}

// InvocationStatus is the lifecycle state of a command invocation.
// Pending is the only non-terminal state.
type InvocationStatus string

const (
	InvocationPending InvocationStatus = "pending"
	InvocationSuccess InvocationStatus = "success"
	InvocationError   InvocationStatus = "error"
)

// CommandInvocation tracks one remote command issued through the console.
type CommandInvocation struct {
	ID           string           `json:"id"`
	HostID       string           `json:"hostId"`
	Command      string           `json:"command"`
	Status       InvocationStatus `json:"status"`
	IssuedAt     time.Time        `json:"issuedAt"`
	CompletedAt  time.Time        `json:"completedAt,omitzero"`
	Output       string           `json:"output,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// TranscriptKind distinguishes the two line types in a console transcript.
type TranscriptKind string

const (
	TranscriptIssued TranscriptKind = "issued"
	TranscriptResult TranscriptKind = "result"
)

// TranscriptLine is one entry in a host's console transcript. Issue lines
// are appended when a command is submitted; result lines are appended in
// completion order, which may differ from issue order when invocations
// overlap.
type TranscriptLine struct {
	At           time.Time        `json:"at"`
	InvocationID string           `json:"invocationId"`
	Kind         TranscriptKind   `json:"kind"`
	Status       InvocationStatus `json:"status,omitempty"`
	Text         string           `json:"text"`
}
