package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// CLIConfig describes the external LLM CLI spawned per task.
type CLIConfig struct {
	Command     string   // CLI binary
	Args        []string // leading args; the task prompt is appended
	WorkDir     string
	Env         []string
	AllocatePTY bool // run the CLI under a pseudo-terminal
}

// NewCLITaskFunc returns a TaskFunc that spawns the configured CLI per
// task. Toward the executor the external process is just another future:
// it inherits the task context, so the per-task timeout kills it.
func NewCLITaskFunc(cfg CLIConfig, log *logger.Logger) TaskFunc {
	cliLogger := log.WithFields(zap.String("component", "cli-executor"))

	return func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		prompt := task.Title
		if task.Description != "" {
			prompt += "\n" + task.Description
		}

		args := append(append([]string(nil), cfg.Args...), prompt)
		cmd := exec.CommandContext(ctx, cfg.Command, args...)
		cmd.Dir = cfg.WorkDir
		if len(cfg.Env) > 0 {
			cmd.Env = cfg.Env
		}

		cliLogger.Debug("spawning CLI",
			zap.String("task_id", task.ID),
			zap.String("command", cfg.Command))

		output, err := runCLI(ctx, cmd, cfg.AllocatePTY)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("cli process: %w", err)
		}

		return json.Marshal(map[string]string{
			"task_id": task.ID,
			"output":  string(output),
		})
	}
}

// runCLI executes the command, optionally under a PTY for CLIs that
// refuse to stream without one.
func runCLI(ctx context.Context, cmd *exec.Cmd, allocatePTY bool) ([]byte, error) {
	if !allocatePTY {
		return cmd.CombinedOutput()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	defer func() { _ = ptmx.Close() }()

	// Kill the child if the context expires while we drain.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, ptmx) // read error is expected on child exit
	err = cmd.Wait()
	return buf.Bytes(), err
}
