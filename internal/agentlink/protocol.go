package agentlink

import (
	"encoding/json"
	"time"

	"github.com/vigilproject/vigil/internal/models"
)

// MessageType identifies a frame on the agent link.
type MessageType string

const (
	// Agent -> server.
	MsgRegister      MessageType = "register"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgCommandResult MessageType = "command_result"
	MsgAgentPing     MessageType = "ping"

	// Server -> agent.
	MsgRegistered MessageType = "registered"
	MsgCommand    MessageType = "command"
	MsgPong       MessageType = "pong"
)

// Envelope is the wire frame. Payload stays raw until the type is known.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the first frame an agent must send. It doubles as
// the host's first push observation.
type RegisterPayload struct {
	HostID       string   `json:"hostId"`
	Hostname     string   `json:"hostname,omitempty"`
	OS           string   `json:"os,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MAC          string   `json:"mac,omitempty"`
	IP           string   `json:"ip,omitempty"`
}

// RegisteredPayload acknowledges a registration.
type RegisteredPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HeartbeatPayload is the periodic push report.
type HeartbeatPayload struct {
	HostID          string    `json:"hostId"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryPercent   float64   `json:"memoryPercent"`
	MemoryTotalMB   uint64    `json:"memoryTotalMb,omitempty"`
	MemoryUsedMB    uint64    `json:"memoryUsedMb,omitempty"`
	UptimeSeconds   uint64    `json:"uptimeSeconds,omitempty"`
	ProcessCount    int       `json:"processCount,omitempty"`
	// Terminating announces a graceful agent shutdown; the accepted
	// observation marks the host Silent instead of Live.
	Terminating bool `json:"terminating,omitempty"`
}

// CommandAction selects what a command frame asks the agent to do.
type CommandAction string

const (
	ActionRun           CommandAction = "run"
	ActionKillProcess   CommandAction = "kill_process"
	ActionListProcesses CommandAction = "list_processes"
	ActionShutdown      CommandAction = "shutdown"
	ActionReboot        CommandAction = "reboot"
)

// CommandPayload is a server -> agent request.
type CommandPayload struct {
	RequestID      string        `json:"requestId"`
	Action         CommandAction `json:"action"`
	Command        string        `json:"command,omitempty"`
	PID            int32         `json:"pid,omitempty"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
}

// CommandResultPayload is the agent's response to a command frame.
// ProcessLists is populated for list_processes: the ranked sub-lists in
// priority order (top CPU first, then top memory).
type CommandResultPayload struct {
	RequestID    string                  `json:"requestId"`
	Success      bool                    `json:"success"`
	Output       string                  `json:"output,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ProcessLists [][]models.ProcessEntry `json:"processLists,omitempty"`
}

// NewEnvelope wraps a payload into a wire frame, stamping it with the
// send time.
func NewEnvelope(msgType MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}
