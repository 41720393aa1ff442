// Package shell runs a command named in the job payload.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// maxOutput caps how much combined output is kept in the run error.
const maxOutput = 4 << 10

type Shell struct {
	// Env is appended to the process environment of every command.
	Env []string
}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(h.Env) > 0 || len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), h.Env...)
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > maxOutput {
			out = out[len(out)-maxOutput:]
		}
		return fmt.Errorf("shell error: %v; out=%s", err, out)
	}
	log.Debug().Str("command", c.Command).Int("output_bytes", len(out)).Msg("shell command finished")
	return nil
}
