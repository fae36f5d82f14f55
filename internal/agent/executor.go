package agent

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vigilproject/vigil/internal/agentlink"
)

// maxOutputBytes caps the output returned for one command; the server
// transcript is for operators, not file transfer.
const maxOutputBytes = 64 * 1024

// Executor runs command frames on the local machine.
type Executor struct {
	collector *Collector
	logger    zerolog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(collector *Collector, logger zerolog.Logger) *Executor {
	return &Executor{
		collector: collector,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute dispatches one command payload and builds its result. The
// result always carries the request ID so the server can correlate it.
func (e *Executor) Execute(ctx context.Context, cmd agentlink.CommandPayload) agentlink.CommandResultPayload {
	result := agentlink.CommandResultPayload{RequestID: cmd.RequestID}

	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	switch cmd.Action {
	case agentlink.ActionRun:
		output, err := e.runShell(ctx, cmd.Command)
		result.Output = output
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
		}

	case agentlink.ActionKillProcess:
		if err := e.killProcess(ctx, cmd.PID); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = fmt.Sprintf("process %d terminated", cmd.PID)
		}

	case agentlink.ActionListProcesses:
		lists, err := e.collector.ProcessLists(ctx)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.ProcessLists = lists
		}

	case agentlink.ActionShutdown:
		if err := e.power(ctx, false); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = "shutdown initiated"
		}

	case agentlink.ActionReboot:
		if err := e.power(ctx, true); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = "reboot initiated"
		}

	default:
		result.Error = fmt.Sprintf("unknown action %q", cmd.Action)
	}

	e.logger.Info().
		Str("request", cmd.RequestID).
		Str("action", string(cmd.Action)).
		Bool("success", result.Success).
		Msg("Command executed")
	return result
}

func (e *Executor) runShell(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("empty command")
	}

	var c *exec.Cmd
	if runtime.GOOS == "windows" {
		c = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		c = exec.CommandContext(ctx, "sh", "-c", command)
	}

	out, err := c.CombinedOutput()
	if len(out) > maxOutputBytes {
		out = append(out[:maxOutputBytes], []byte("\n[output truncated]")...)
	}
	if ctx.Err() != nil {
		return string(out), fmt.Errorf("command timed out")
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}

func (e *Executor) killProcess(ctx context.Context, pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("pid %d not found: %w", pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		// SIGTERM refused or unsupported; escalate.
		if killErr := p.KillWithContext(ctx); killErr != nil {
			return fmt.Errorf("kill pid %d: %w", pid, killErr)
		}
	}
	return nil
}

// power schedules a shutdown or reboot with a short grace delay so the
// command result can still make it back over the link.
func (e *Executor) power(ctx context.Context, reboot bool) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		flag := "/s"
		if reboot {
			flag = "/r"
		}
		c = exec.CommandContext(ctx, "shutdown", flag, "/t", "5")
	case "darwin":
		flag := "-h"
		if reboot {
			flag = "-r"
		}
		c = exec.CommandContext(ctx, "shutdown", flag, "+1")
	default:
		flag := "-h"
		if reboot {
			flag = "-r"
		}
		c = exec.CommandContext(ctx, "shutdown", flag, "+1")
	}

	if out, err := c.CombinedOutput(); err != nil {
		return fmt.Errorf("schedule power action: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
