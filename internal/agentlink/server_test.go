package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/models"
)

type nopObserver struct{}

func (nopObserver) Observe(models.Observation) error { return nil }

func newTestServer() *Server {
	return NewServer(nopObserver{}, time.Second, nil, zerolog.Nop())
}

func TestDispatchAgentNotConnected(t *testing.T) {
	s := newTestServer()
	_, err := s.dispatch(context.Background(), "missing", CommandPayload{Action: ActionRun, Command: "uptime"})
	if !errors.Is(err, vigilerrors.ErrNotReachable) {
		t.Fatalf("expected not-reachable error, got %v", err)
	}
}

func TestRunAgentNotConnected(t *testing.T) {
	s := newTestServer()
	if _, err := s.Run(context.Background(), "missing", "uptime"); !errors.Is(err, vigilerrors.ErrNotReachable) {
		t.Fatalf("expected not-reachable error, got %v", err)
	}
}

func TestFetchProcessListsAgentNotConnected(t *testing.T) {
	s := newTestServer()
	if _, err := s.FetchProcessLists(context.Background(), "missing"); !errors.Is(err, vigilerrors.ErrNotReachable) {
		t.Fatalf("expected not-reachable error, got %v", err)
	}
}

func TestTerminateProcessAgentNotConnected(t *testing.T) {
	s := newTestServer()
	if err := s.TerminateProcess(context.Background(), "missing", 42); !errors.Is(err, vigilerrors.ErrNotReachable) {
		t.Fatalf("expected not-reachable error, got %v", err)
	}
}

func TestConnectedCountEmpty(t *testing.T) {
	s := newTestServer()
	if n := s.ConnectedCount(); n != 0 {
		t.Fatalf("expected 0 connected agents, got %d", n)
	}
	if ids := s.ConnectedIDs(); len(ids) != 0 {
		t.Fatalf("expected no connected ids, got %v", ids)
	}
}

func TestRegistrationObservation(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	obs := registrationObservation(RegisterPayload{
		HostID:   "h1",
		Hostname: "node1",
		OS:       "linux",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}, at)

	if obs.HostID != "h1" || obs.Source != models.SourcePush {
		t.Fatalf("unexpected observation: %+v", obs)
	}
	if obs.Timestamp != at {
		t.Fatalf("expected timestamp %v, got %v", at, obs.Timestamp)
	}
	if obs.Attributes["mac"] != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("mac attribute missing: %v", obs.Attributes)
	}
	if obs.Terminated {
		t.Fatal("registration must not be terminated")
	}
}

func TestHeartbeatObservation(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fallback := at.Add(time.Minute)

	obs := heartbeatObservation(HeartbeatPayload{HostID: "h1", Timestamp: at, CPUPercent: 42.5}, fallback)
	if obs.Timestamp != at {
		t.Fatalf("expected reported timestamp, got %v", obs.Timestamp)
	}
	if obs.Attributes["cpuPercent"] != 42.5 {
		t.Fatalf("cpu attribute missing: %v", obs.Attributes)
	}

	obs = heartbeatObservation(HeartbeatPayload{HostID: "h1"}, fallback)
	if obs.Timestamp != fallback {
		t.Fatalf("expected fallback timestamp, got %v", obs.Timestamp)
	}

	obs = heartbeatObservation(HeartbeatPayload{HostID: "h1", Terminating: true}, fallback)
	if !obs.Terminated {
		t.Fatal("terminating heartbeat must map to a terminated observation")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgCommand, "req-1", CommandPayload{
		RequestID: "req-1",
		Action:    ActionKillProcess,
		PID:       1234,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != MsgCommand || decoded.ID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}

	var cmd CommandPayload
	if err := json.Unmarshal(decoded.Payload, &cmd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cmd.Action != ActionKillProcess || cmd.PID != 1234 {
		t.Fatalf("unexpected payload: %+v", cmd)
	}
}
