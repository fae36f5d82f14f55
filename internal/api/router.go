// Package api exposes the HTTP surface: host inventory, process
// sessions, the command console, wake-on-LAN, and the dashboard
// WebSocket. Handlers translate the core error taxonomy into HTTP
// statuses and never leak internal error chains to clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/console"
	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/models"
	"github.com/vigilproject/vigil/internal/procsession"
	"github.com/vigilproject/vigil/internal/reconcile"
	"github.com/vigilproject/vigil/internal/store"
	"github.com/vigilproject/vigil/internal/websocket"
	"github.com/vigilproject/vigil/internal/wol"
)

// Transitions exposes the recent-transition ring. Satisfied by
// notify.Notifier.
type Transitions interface {
	Recent() []models.TransitionEvent
}

// AgentLink is the subset of the agent server the API needs directly.
// Satisfied by agentlink.Server.
type AgentLink interface {
	Shutdown(ctx context.Context, hostID string) error
	Reboot(ctx context.Context, hostID string) error
	ConnectedCount() int
}

// Router wires the HTTP handlers.
type Router struct {
	store       *store.Store
	engine      *reconcile.Engine
	processes   *procsession.Manager
	console     *console.Console
	transitions Transitions
	agents      AgentLink
	hub         *websocket.Hub

	wakeFn    func(mac, broadcast string) error
	startedAt time.Time
	logger    zerolog.Logger
}

// NewRouter creates a Router over the core components.
func NewRouter(
	st *store.Store,
	engine *reconcile.Engine,
	processes *procsession.Manager,
	cons *console.Console,
	transitions Transitions,
	agents AgentLink,
	hub *websocket.Hub,
	logger zerolog.Logger,
) *Router {
	return &Router{
		store:       st,
		engine:      engine,
		processes:   processes,
		console:     cons,
		transitions: transitions,
		agents:      agents,
		hub:         hub,
		wakeFn:      wol.Wake,
		startedAt:   time.Now(),
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the HTTP mux.
func (rt *Router) Handler(agentWS http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", rt.handleHealth)
	mux.HandleFunc("GET /api/hosts", rt.handleListHosts)
	mux.HandleFunc("GET /api/hosts/{id}", rt.handleGetHost)
	mux.HandleFunc("DELETE /api/hosts/{id}", rt.handleRemoveHost)
	mux.HandleFunc("GET /api/hosts/{id}/processes", rt.handleProcesses)
	mux.HandleFunc("POST /api/hosts/{id}/processes/{pid}/terminate", rt.handleTerminate)
	mux.HandleFunc("POST /api/hosts/{id}/command", rt.handleCommand)
	mux.HandleFunc("GET /api/hosts/{id}/transcript", rt.handleTranscript)
	mux.HandleFunc("POST /api/hosts/{id}/power", rt.handlePower)
	mux.HandleFunc("POST /api/hosts/{id}/wake", rt.handleWake)
	mux.HandleFunc("GET /api/invocations/{id}", rt.handleInvocation)
	mux.HandleFunc("GET /api/transitions/recent", rt.handleRecentTransitions)

	if rt.hub != nil {
		mux.HandleFunc("GET /ws", rt.hub.HandleWebSocket)
	}
	if agentWS != nil {
		mux.HandleFunc("GET /ws/agent", agentWS)
	}

	return mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := rt.store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(rt.startedAt).Seconds()),
		"hosts": map[string]int{
			"unknown": counts[models.ReachabilityUnknown],
			"live":    counts[models.ReachabilityLive],
			"silent":  counts[models.ReachabilitySilent],
		},
		"connectedAgents": rt.agents.ConnectedCount(),
	})
}

func (rt *Router) handleListHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.store.List())
}

func (rt *Router) handleGetHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := rt.store.Get(id)
	if !ok {
		writeError(w, vigilerrors.NotFound("get", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) handleRemoveHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.engine.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	rt.processes.Drop(id)
	rt.console.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleProcesses(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("refresh") == "1" {
		snap, err := rt.processes.Refresh(r.Context(), id)
		if err != nil {
			// A stale snapshot is still an answer; only not-found is fatal.
			if errors.Is(err, vigilerrors.ErrNotFound) {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	if _, ok := rt.store.Get(id); !ok {
		writeError(w, vigilerrors.NotFound("processes", id))
		return
	}
	snap, _ := rt.processes.Snapshot(id)
	writeJSON(w, http.StatusOK, snap)
}

func (rt *Router) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pid64, err := strconv.ParseInt(r.PathValue("pid"), 10, 32)
	if err != nil || pid64 <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid pid"))
		return
	}

	snap, err := rt.processes.Terminate(r.Context(), id, int32(pid64))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (rt *Router) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("command must not be empty"))
		return
	}

	inv, err := rt.console.Execute(r.Context(), id, req.Command)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "1" {
		done, err := rt.console.Await(r.Context(), inv.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, done)
		return
	}
	writeJSON(w, http.StatusAccepted, inv)
}

func (rt *Router) handleInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, ok := rt.console.Invocation(id)
	if !ok {
		writeError(w, vigilerrors.NotFound("invocation", id))
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (rt *Router) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := rt.store.Get(id); !ok {
		writeError(w, vigilerrors.NotFound("transcript", id))
		return
	}
	lines := rt.console.Transcript(id)
	if lines == nil {
		lines = []models.TranscriptLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

type powerRequest struct {
	Action string `json:"action"`
}

func (rt *Router) handlePower(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	rec, ok := rt.store.Get(id)
	if !ok {
		writeError(w, vigilerrors.NotFound("power", id))
		return
	}
	if rec.Reachability != models.ReachabilityLive {
		writeError(w, vigilerrors.NotReachable("power", id))
		return
	}

	var err error
	switch req.Action {
	case "shutdown":
		err = rt.agents.Shutdown(r.Context(), id)
	case "reboot":
		err = rt.agents.Reboot(r.Context(), id)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("action must be shutdown or reboot"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	rt.logger.Info().Str("host", id).Str("action", req.Action).Msg("Power action issued")
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) handleWake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := rt.store.Get(id)
	if !ok {
		writeError(w, vigilerrors.NotFound("wake", id))
		return
	}

	mac, _ := rec.Attributes["mac"].(string)
	if mac == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("host has no known MAC address"))
		return
	}

	if err := rt.wakeFn(mac, ""); err != nil {
		rt.logger.Error().Err(err).Str("host", id).Msg("Wake-on-LAN send failed")
		writeJSON(w, http.StatusBadGateway, errorBody("wake packet could not be sent"))
		return
	}
	rt.logger.Info().Str("host", id).Str("mac", mac).Msg("Wake-on-LAN packet sent")
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) handleRecentTransitions(w http.ResponseWriter, r *http.Request) {
	events := rt.transitions.Recent()
	if events == nil {
		events = []models.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps the core error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vigilerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vigilerrors.ErrNotReachable):
		status = http.StatusConflict
	case errors.Is(err, vigilerrors.ErrCommandTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, vigilerrors.ErrRefreshFailed), errors.Is(err, vigilerrors.ErrCommandFailed):
		status = http.StatusBadGateway
	}

	var opErr *vigilerrors.OpError
	if errors.As(err, &opErr) {
		writeJSON(w, status, map[string]string{
			"error": string(opErr.Kind),
			"host":  opErr.Host,
		})
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}
