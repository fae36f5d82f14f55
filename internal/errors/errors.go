package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the reconciliation and control-session core. These
// are the only error conditions that cross package boundaries; transport
// failures are converted into them at the boundary adapters.
var (
	// ErrStaleObservation marks an observation older than the current
	// record. Informational: the engine drops these silently.
	ErrStaleObservation = errors.New("stale observation dropped")
	// ErrNotReachable is returned when a command or terminate targets a
	// host that is not currently Live. Recoverable by retrying after the
	// host is seen again.
	ErrNotReachable = errors.New("host not reachable")
	// ErrRefreshFailed marks a transient process-list refresh failure.
	// The previous snapshot is retained and flagged stale.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrCommandTimeout marks an invocation that did not complete within
	// its deadline. Terminal for that invocation.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrCommandFailed marks an invocation the remote host reported as
	// failed. Terminal for that invocation.
	ErrCommandFailed = errors.New("command failed")
	// ErrStoreCorruption indicates a broken store invariant (divergent
	// record identity). Programming-error level; must never occur under
	// correct merge logic.
	ErrStoreCorruption = errors.New("store corruption")
	// ErrNotFound is returned for operations against hosts the store has
	// never seen.
	ErrNotFound = errors.New("host not found")
)

// Kind is the category of an OpError.
type Kind string

const (
	KindStale       Kind = "stale_observation"
	KindUnreachable Kind = "not_reachable"
	KindRefresh     Kind = "refresh_failed"
	KindTimeout     Kind = "command_timeout"
	KindCommand     Kind = "command_failed"
	KindCorruption  Kind = "store_corruption"
	KindNotFound    Kind = "not_found"
)

// OpError is a structured error for core operations.
type OpError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "refresh", "execute"
	Host      string // host the operation targeted
	Err       error  // underlying error, if any
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.Host != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Host, e.Err)
		}
		return fmt.Sprintf("%s failed on %s: %s", e.Op, e.Host, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Kind)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is maps error kinds onto the package sentinels so callers can use
// errors.Is without caring whether the error carries operation context.
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrStaleObservation:
		return e.Kind == KindStale
	case ErrNotReachable:
		return e.Kind == KindUnreachable
	case ErrRefreshFailed:
		return e.Kind == KindRefresh
	case ErrCommandTimeout:
		return e.Kind == KindTimeout
	case ErrCommandFailed:
		return e.Kind == KindCommand
	case ErrStoreCorruption:
		return e.Kind == KindCorruption
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return errors.Is(e.Err, target)
}

// New creates a structured OpError.
func New(kind Kind, op, host string, err error) *OpError {
	return &OpError{
		Kind:      kind,
		Op:        op,
		Host:      host,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NotReachable reports a command attempted against a non-Live host.
func NotReachable(op, host string) error {
	return New(KindUnreachable, op, host, nil)
}

// NotFound reports an operation against an untracked host.
func NotFound(op, host string) error {
	return New(KindNotFound, op, host, nil)
}

// RefreshFailed wraps a transient refresh failure.
func RefreshFailed(op, host string, err error) error {
	return New(KindRefresh, op, host, err)
}

// CommandTimeout wraps an invocation deadline expiry.
func CommandTimeout(op, host string, timeout time.Duration) error {
	return New(KindTimeout, op, host, fmt.Errorf("no result after %s", timeout))
}

// CommandFailed wraps a remote command failure.
func CommandFailed(op, host string, err error) error {
	return New(KindCommand, op, host, err)
}

// IsRetryable reports whether a caller may reasonably retry the failed
// operation later. Unreachable and transient refresh failures clear once
// the host is seen again; corruption and terminal command states do not.
func IsRetryable(err error) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		switch opErr.Kind {
		case KindUnreachable, KindRefresh, KindTimeout:
			return true
		default:
			return false
		}
	}
	return errors.Is(err, ErrNotReachable) || errors.Is(err, ErrRefreshFailed)
}
