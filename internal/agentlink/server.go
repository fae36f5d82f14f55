// Package agentlink is the push-channel boundary: a WebSocket server
// that agents connect to. Registration and heartbeat frames become push
// observations for the reconciliation engine; the same connection
// carries command request/response traffic for the console and the
// process session manager.
package agentlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	vigilerrors "github.com/vigilproject/vigil/internal/errors"
	"github.com/vigilproject/vigil/internal/metrics"
	"github.com/vigilproject/vigil/internal/models"
)

const (
	registerDeadline = 30 * time.Second
	pingInterval     = 15 * time.Second
	pingWriteWait    = 5 * time.Second
)

// Observer feeds push observations into the reconciliation engine.
type Observer interface {
	Observe(obs models.Observation) error
}

type agentConn struct {
	conn    *websocket.Conn
	hostID  string
	writeMu sync.Mutex
	done    chan struct{}
}

// Server accepts agent connections and dispatches commands to them.
type Server struct {
	mu      sync.RWMutex
	conns   map[string]*agentConn
	pending map[string]chan CommandResultPayload

	engine         Observer
	defaultTimeout time.Duration
	metrics        *metrics.CoreMetrics
	logger         zerolog.Logger
	upgrader       websocket.Upgrader
	nowFn          func() time.Time
}

// NewServer creates a Server. m may be nil.
func NewServer(engine Observer, defaultTimeout time.Duration, m *metrics.CoreMetrics, logger zerolog.Logger) *Server {
	return &Server{
		conns:          make(map[string]*agentConn),
		pending:        make(map[string]chan CommandResultPayload),
		engine:         engine,
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         logger.With().Str("component", "agentlink").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Agents connect from anywhere on the LAN.
				return true
			},
		},
		nowFn: time.Now,
	}
}

// HandleWebSocket upgrades an agent connection. The first frame must be
// a register message; after that the connection alternates heartbeats
// and command results until it drops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Clear http.Server deadlines before the upgrade so they cannot
	// fire mid-connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	reg, err := s.readRegistration(conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Agent registration failed")
		conn.Close()
		return
	}

	obs := registrationObservation(reg, s.nowFn())
	if err := s.engine.Observe(obs); err != nil {
		s.logger.Error().Err(err).Str("host", reg.HostID).Msg("Registration observation rejected")
		conn.Close()
		return
	}

	ac := &agentConn{
		conn:   conn,
		hostID: reg.HostID,
		done:   make(chan struct{}),
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	if existing, ok := s.conns[reg.HostID]; ok {
		close(existing.done)
		existing.conn.Close()
	}
	s.conns[reg.HostID] = ac
	connected := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetConnectedAgents(connected)
	}
	s.logger.Info().
		Str("host", reg.HostID).
		Str("hostname", reg.Hostname).
		Str("os", reg.OS).
		Msg("Agent connected")

	s.send(ac, MsgRegistered, "", RegisteredPayload{Success: true, Message: "registered"})

	pingDone := make(chan struct{})
	go s.pingLoop(ac, pingDone)
	defer close(pingDone)

	// Blocking read loop; returning lets the HTTP handler close the
	// connection.
	s.readLoop(ac)
}

func (s *Server) readRegistration(conn *websocket.Conn) (RegisterPayload, error) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return RegisterPayload{}, fmt.Errorf("read registration: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RegisterPayload{}, fmt.Errorf("parse registration frame: %w", err)
	}
	if env.Type != MsgRegister {
		return RegisterPayload{}, fmt.Errorf("first frame must be register, got %q", env.Type)
	}

	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return RegisterPayload{}, fmt.Errorf("parse registration payload: %w", err)
	}
	if reg.HostID == "" {
		return RegisterPayload{}, fmt.Errorf("registration without host id")
	}
	return reg, nil
}

func registrationObservation(reg RegisterPayload, at time.Time) models.Observation {
	attrs := map[string]any{
		"hostname":     reg.Hostname,
		"os":           reg.OS,
		"architecture": reg.Architecture,
		"agentVersion": reg.Version,
	}
	if len(reg.Capabilities) > 0 {
		attrs["capabilities"] = reg.Capabilities
	}
	if reg.MAC != "" {
		attrs["mac"] = reg.MAC
	}
	if reg.IP != "" {
		attrs["ip"] = reg.IP
	}
	return models.Observation{
		HostID:     reg.HostID,
		Timestamp:  at,
		Source:     models.SourcePush,
		Attributes: attrs,
	}
}

func heartbeatObservation(hb HeartbeatPayload, fallback time.Time) models.Observation {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = fallback
	}
	return models.Observation{
		HostID:    hb.HostID,
		Timestamp: ts,
		Source:    models.SourcePush,
		Attributes: map[string]any{
			"cpuPercent":    hb.CPUPercent,
			"memoryPercent": hb.MemoryPercent,
			"memoryTotalMb": hb.MemoryTotalMB,
			"memoryUsedMb":  hb.MemoryUsedMB,
			"uptimeSeconds": hb.UptimeSeconds,
			"processCount":  hb.ProcessCount,
		},
		Terminated: hb.Terminating,
	}
}

func (s *Server) readLoop(ac *agentConn) {
	defer func() {
		s.mu.Lock()
		if existing, ok := s.conns[ac.hostID]; ok && existing == ac {
			delete(s.conns, ac.hostID)
		}
		connected := len(s.conns)
		s.mu.Unlock()

		ac.conn.Close()
		if s.metrics != nil {
			s.metrics.SetConnectedAgents(connected)
		}
		s.logger.Info().Str("host", ac.hostID).Msg("Agent disconnected")
	}()

	for {
		select {
		case <-ac.done:
			return
		default:
		}

		_, raw, err := ac.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("host", ac.hostID).Msg("WebSocket read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn().Err(err).Str("host", ac.hostID).Msg("Unparseable frame dropped")
			continue
		}

		switch env.Type {
		case MsgAgentPing:
			s.send(ac, MsgPong, env.ID, nil)

		case MsgHeartbeat:
			var hb HeartbeatPayload
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				s.logger.Warn().Err(err).Str("host", ac.hostID).Msg("Unparseable heartbeat dropped")
				continue
			}
			if hb.HostID == "" {
				hb.HostID = ac.hostID
			}
			if hb.HostID != ac.hostID {
				s.logger.Warn().
					Str("host", ac.hostID).
					Str("claimed", hb.HostID).
					Msg("Heartbeat for foreign host dropped")
				continue
			}
			if err := s.engine.Observe(heartbeatObservation(hb, s.nowFn())); err != nil {
				s.logger.Error().Err(err).Str("host", ac.hostID).Msg("Heartbeat observation rejected")
			}

		case MsgCommandResult:
			var result CommandResultPayload
			if err := json.Unmarshal(env.Payload, &result); err != nil {
				s.logger.Warn().Err(err).Str("host", ac.hostID).Msg("Unparseable command result dropped")
				continue
			}
			s.mu.RLock()
			ch, ok := s.pending[result.RequestID]
			s.mu.RUnlock()
			if !ok {
				s.logger.Warn().Str("request", result.RequestID).Msg("Result for unknown request dropped")
				continue
			}
			select {
			case ch <- result:
			default:
			}

		default:
			s.logger.Warn().Str("host", ac.hostID).Str("type", string(env.Type)).Msg("Unexpected frame type")
		}
	}
}

func (s *Server) pingLoop(ac *agentConn, handlerDone chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	failures := 0
	const maxFailures = 3

	for {
		select {
		case <-handlerDone:
			return
		case <-ac.done:
			return
		case <-ticker.C:
			ac.writeMu.Lock()
			err := ac.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			ac.writeMu.Unlock()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= maxFailures {
				s.logger.Warn().Str("host", ac.hostID).Msg("Agent unresponsive to pings, closing connection")
				ac.conn.Close()
				return
			}
		}
	}
}

func (s *Server) send(ac *agentConn, msgType MessageType, id string, payload any) {
	env, err := NewEnvelope(msgType, id, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("host", ac.hostID).Msg("Marshal frame failed")
		return
	}
	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()
	if err := ac.conn.WriteJSON(env); err != nil {
		s.logger.Warn().Err(err).Str("host", ac.hostID).Msg("Write frame failed")
	}
}

// dispatch sends one command frame and waits for its correlated result.
func (s *Server) dispatch(ctx context.Context, hostID string, payload CommandPayload) (CommandResultPayload, error) {
	s.mu.RLock()
	ac, ok := s.conns[hostID]
	s.mu.RUnlock()
	if !ok {
		return CommandResultPayload{}, vigilerrors.NotReachable("dispatch", hostID)
	}

	if payload.RequestID == "" {
		payload.RequestID = uuid.NewString()
	}
	timeout := s.defaultTimeout
	if payload.TimeoutSeconds > 0 {
		timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	} else {
		payload.TimeoutSeconds = int(timeout / time.Second)
	}

	respCh := make(chan CommandResultPayload, 1)
	s.mu.Lock()
	s.pending[payload.RequestID] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, payload.RequestID)
		s.mu.Unlock()
	}()

	env, err := NewEnvelope(MsgCommand, payload.RequestID, payload)
	if err != nil {
		return CommandResultPayload{}, fmt.Errorf("marshal command: %w", err)
	}
	ac.writeMu.Lock()
	err = ac.conn.WriteJSON(env)
	ac.writeMu.Unlock()
	if err != nil {
		return CommandResultPayload{}, vigilerrors.CommandFailed("dispatch", hostID, err)
	}

	select {
	case result := <-respCh:
		return result, nil
	case <-time.After(timeout):
		return CommandResultPayload{}, vigilerrors.CommandTimeout("dispatch", hostID, timeout)
	case <-ctx.Done():
		return CommandResultPayload{}, ctx.Err()
	}
}

// Run executes a shell command on the host. Satisfies console.Commander.
func (s *Server) Run(ctx context.Context, hostID, command string) (string, error) {
	result, err := s.dispatch(ctx, hostID, CommandPayload{Action: ActionRun, Command: command})
	if err != nil {
		return "", err
	}
	if !result.Success {
		return result.Output, vigilerrors.CommandFailed("run", hostID, fmt.Errorf("%s", result.Error))
	}
	return result.Output, nil
}

// FetchProcessLists asks the host for its ranked process sub-lists.
// Satisfies procsession.Commander.
func (s *Server) FetchProcessLists(ctx context.Context, hostID string) ([][]models.ProcessEntry, error) {
	result, err := s.dispatch(ctx, hostID, CommandPayload{Action: ActionListProcesses})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("list processes: %s", result.Error)
	}
	return result.ProcessLists, nil
}

// TerminateProcess kills one process on the host. Satisfies
// procsession.Commander.
func (s *Server) TerminateProcess(ctx context.Context, hostID string, pid int32) error {
	result, err := s.dispatch(ctx, hostID, CommandPayload{Action: ActionKillProcess, PID: pid})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("kill pid %d: %s", pid, result.Error)
	}
	return nil
}

// Shutdown asks the host to power off.
func (s *Server) Shutdown(ctx context.Context, hostID string) error {
	return s.powerAction(ctx, hostID, ActionShutdown)
}

// Reboot asks the host to restart.
func (s *Server) Reboot(ctx context.Context, hostID string) error {
	return s.powerAction(ctx, hostID, ActionReboot)
}

func (s *Server) powerAction(ctx context.Context, hostID string, action CommandAction) error {
	result, err := s.dispatch(ctx, hostID, CommandPayload{Action: action})
	if err != nil {
		return err
	}
	if !result.Success {
		return vigilerrors.CommandFailed(string(action), hostID, fmt.Errorf("%s", result.Error))
	}
	return nil
}

// ConnectedCount returns the number of agents currently linked.
func (s *Server) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ConnectedIDs returns the linked host IDs, sorted.
func (s *Server) ConnectedIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
