package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilproject/vigil/internal/console"
	"github.com/vigilproject/vigil/internal/models"
	"github.com/vigilproject/vigil/internal/notify"
	"github.com/vigilproject/vigil/internal/procsession"
	"github.com/vigilproject/vigil/internal/reconcile"
	"github.com/vigilproject/vigil/internal/store"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeCommander struct {
	lists  [][]models.ProcessEntry
	output string
}

func (f *fakeCommander) FetchProcessLists(ctx context.Context, hostID string) ([][]models.ProcessEntry, error) {
	return f.lists, nil
}

func (f *fakeCommander) TerminateProcess(ctx context.Context, hostID string, pid int32) error {
	return nil
}

func (f *fakeCommander) Run(ctx context.Context, hostID, command string) (string, error) {
	return f.output, nil
}

type fakeAgents struct {
	shutdowns []string
	reboots   []string
}

func (f *fakeAgents) Shutdown(ctx context.Context, hostID string) error {
	f.shutdowns = append(f.shutdowns, hostID)
	return nil
}

func (f *fakeAgents) Reboot(ctx context.Context, hostID string) error {
	f.reboots = append(f.reboots, hostID)
	return nil
}

func (f *fakeAgents) ConnectedCount() int { return 1 }

type testEnv struct {
	store    *store.Store
	engine   *reconcile.Engine
	agents   *fakeAgents
	handler  http.Handler
	wakeMACs []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.New()
	notifier := notify.New(16, zerolog.Nop())
	engine := reconcile.New(st, notifier, nil, zerolog.Nop())
	commander := &fakeCommander{
		lists:  [][]models.ProcessEntry{{{PID: 1, Name: "db", CPUPercent: 50}}},
		output: "ok",
	}
	processes := procsession.NewManager(st, commander, zerolog.Nop())
	cons := console.New(st, commander, 10, 5*time.Second, nil, zerolog.Nop())
	agents := &fakeAgents{}

	env := &testEnv{store: st, engine: engine, agents: agents}
	router := NewRouter(st, engine, processes, cons, notifier, agents, nil, zerolog.Nop())
	router.wakeFn = func(mac, broadcast string) error {
		env.wakeMACs = append(env.wakeMACs, mac)
		return nil
	}
	env.handler = router.Handler(nil)
	return env
}

func (e *testEnv) addLiveHost(t *testing.T, id string, attrs map[string]any) {
	t.Helper()
	require.NoError(t, e.engine.Observe(models.Observation{
		HostID:     id,
		Timestamp:  base,
		Source:     models.SourcePush,
		Attributes: attrs,
	}))
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListAndGetHosts(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", map[string]any{"hostname": "node1"})

	rec := env.do(http.MethodGet, "/api/hosts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hosts []models.HostRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hosts))
	require.Len(t, hosts, 1)
	assert.Equal(t, "h1", hosts[0].ID)

	rec = env.do(http.MethodGet, "/api/hosts/h1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/hosts/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveHost(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodDelete, "/api/hosts/h1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodDelete, "/api/hosts/h1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessesRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodGet, "/api/hosts/h1/processes?refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.ProcessSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.Stale)
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, int32(1), snap.Processes[0].PID)
}

func TestProcessesUnknownHost(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/hosts/ghost/processes", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateProcess(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/processes/42/terminate", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/hosts/h1/processes/abc/terminate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandWait(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/command?wait=1", `{"command":"uptime"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var inv models.CommandInvocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, models.InvocationSuccess, inv.Status)
	assert.Equal(t, "ok", inv.Output)
}

func TestCommandAsync(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/command", `{"command":"uptime"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var inv models.CommandInvocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, models.InvocationPending, inv.Status)
	assert.NotEmpty(t, inv.ID)
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/command", `{"command":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/hosts/h1/command", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandAgainstSilentHostConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)
	env.store.MarkSilent("h1")

	rec := env.do(http.MethodPost, "/api/hosts/h1/command", `{"command":"uptime"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/command?wait=1", `{"command":"uptime"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/hosts/h1/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var lines []models.TranscriptLine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, models.TranscriptIssued, lines[0].Kind)
	assert.Equal(t, models.TranscriptResult, lines[1].Kind)
}

func TestPowerActions(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/power", `{"action":"shutdown"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"h1"}, env.agents.shutdowns)

	rec = env.do(http.MethodPost, "/api/hosts/h1/power", `{"action":"reboot"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"h1"}, env.agents.reboots)

	rec = env.do(http.MethodPost, "/api/hosts/h1/power", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPowerGatedOnReachability(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)
	env.store.MarkSilent("h1")

	rec := env.do(http.MethodPost, "/api/hosts/h1/power", `{"action":"shutdown"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.agents.shutdowns)
}

// Waking deliberately skips the reachability gate: the target being off
// is the expected case.
func TestWake(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", map[string]any{"mac": "aa:bb:cc:dd:ee:ff"})
	env.store.MarkSilent("h1")

	rec := env.do(http.MethodPost, "/api/hosts/h1/wake", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, env.wakeMACs)
}

func TestWakeWithoutMAC(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodPost, "/api/hosts/h1/wake", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRecentTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.addLiveHost(t, "h1", nil)

	rec := env.do(http.MethodGet, "/api/transitions/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []models.TransitionEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, models.ReachabilityLive, events[0].To)
}
