// Package agent is the host-side half of the push channel. It keeps a
// WebSocket link to the server, registers on connect, heartbeats on a
// fixed cadence, and executes command frames the server sends down the
// same link.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/agentlink"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	writeWait      = 10 * time.Second
)

// Config holds agent settings.
type Config struct {
	// ServerURL is the server base, e.g. ws://vigil.local:8410.
	ServerURL string
	// HostID identifies this machine. Empty falls back to the hostname.
	HostID string
	// Interval is the heartbeat cadence.
	Interval time.Duration
	// Version is reported during registration.
	Version string
}

// Agent runs the connect/register/heartbeat loop.
type Agent struct {
	cfg       Config
	collector *Collector
	executor  *Executor
	logger    zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates an Agent.
func New(cfg Config, logger zerolog.Logger) *Agent {
	collector := &Collector{}
	return &Agent{
		cfg:       cfg,
		collector: collector,
		executor:  NewExecutor(collector, logger),
		logger:    logger.With().Str("component", "agent").Logger(),
	}
}

// Run maintains the server link until ctx is cancelled, reconnecting
// with capped exponential backoff. On cancellation a final terminating
// heartbeat is sent so the server marks the host Silent immediately
// instead of waiting out the staleness threshold.
func (a *Agent) Run(ctx context.Context) error {
	wsURL, err := a.endpoint()
	if err != nil {
		return err
	}

	backoff := initialBackoff
	for {
		if err := a.session(ctx, wsURL); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn().Err(err).Dur("retryIn", backoff).Msg("Session ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Agent) endpoint() (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/ws/agent"
	return u.String(), nil
}

// session runs one connection lifecycle: dial, register, then heartbeat
// and serve commands until the link drops or ctx is cancelled.
func (a *Agent) session(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()

	reg := a.collector.Identity(ctx, a.cfg.HostID, a.cfg.Version)
	if err := a.sendEnvelope(agentlink.MsgRegister, "", reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Str("host", reg.HostID).Str("server", wsURL).Msg("Registered with server")

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	readErr := make(chan error, 1)
	go func() {
		readErr <- a.readLoop(sessionCtx, reg.HostID)
	}()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	// First heartbeat immediately; registration alone already counts as
	// an observation but the server gets metrics sooner this way.
	if err := a.sendHeartbeat(sessionCtx, reg.HostID, false); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.sendTerminating(reg.HostID)
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := a.sendHeartbeat(sessionCtx, reg.HostID, false); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, hostID string) error {
	for {
		a.writeMu.Lock()
		conn := a.conn
		a.writeMu.Unlock()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env agentlink.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.logger.Warn().Err(err).Msg("Unparseable server frame")
			continue
		}

		switch env.Type {
		case agentlink.MsgRegistered, agentlink.MsgPong:
			// Acks need no action.

		case agentlink.MsgCommand:
			var cmd agentlink.CommandPayload
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				a.logger.Warn().Err(err).Msg("Unparseable command payload")
				continue
			}
			// Each command runs on its own goroutine so a long shell
			// command cannot starve heartbeats or later commands.
			go func() {
				result := a.executor.Execute(ctx, cmd)
				if err := a.sendEnvelope(agentlink.MsgCommandResult, cmd.RequestID, result); err != nil {
					a.logger.Error().Err(err).Str("request", cmd.RequestID).Msg("Send command result failed")
				}
			}()

		default:
			a.logger.Debug().Str("type", string(env.Type)).Msg("Unhandled server frame")
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, hostID string, terminating bool) error {
	hb := a.collector.Heartbeat(ctx, hostID)
	hb.Terminating = terminating
	return a.sendEnvelope(agentlink.MsgHeartbeat, "", hb)
}

// sendTerminating is best effort during shutdown; the staleness sweep
// covers the case where it never arrives.
func (a *Agent) sendTerminating(hostID string) {
	hb := agentlink.HeartbeatPayload{
		HostID:      hostID,
		Timestamp:   time.Now().UTC(),
		Terminating: true,
	}
	if err := a.sendEnvelope(agentlink.MsgHeartbeat, "", hb); err != nil {
		a.logger.Warn().Err(err).Msg("Terminating heartbeat not delivered")
		return
	}
	a.logger.Info().Str("host", hostID).Msg("Terminating heartbeat sent")
}

func (a *Agent) sendEnvelope(msgType agentlink.MessageType, id string, payload any) error {
	env, err := agentlink.NewEnvelope(msgType, id, payload)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(env)
}
