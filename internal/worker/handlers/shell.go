package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// ShellConfig is the handler configuration of a "shell" job.
type ShellConfig struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// Shell runs the configured command with /bin/sh. The job is described to
// the command through JOB_* environment variables.
type Shell struct{}

func (Shell) Execute(ctx context.Context, configuration string, scope ScopeContext) error {
	var c ShellConfig
	if err := json.Unmarshal([]byte(configuration), &c); err != nil {
		return fmt.Errorf("shell: configuration: %v: %w", err, ErrNoRetry)
	}
	_, err := c.run(ctx, scope)
	return err
}

// run executes the command and returns its combined output.
func (c ShellConfig) run(ctx context.Context, scope ScopeContext) (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("shell: command required: %w", ErrNoRetry)
	}
	timeout := 30 * time.Second
	if c.TimeoutSec > 0 {
		timeout = time.Duration(c.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command)
	cmd.Env = append(os.Environ(), scope.env()...)
	out, err := cmd.CombinedOutput()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return string(out), fmt.Errorf("shell: timeout after %v", timeout)
	case err != nil:
		return string(out), fmt.Errorf("shell: %v; output=%q", err, out)
	}
	return string(out), nil
}

func (s ScopeContext) env() []string {
	return []string{
		"JOB_ID=" + s.JobID,
		"JOB_TENANT_ID=" + s.TenantID,
		"JOB_SCOPE_ID=" + s.ScopeID,
		"JOB_SCOPE_TYPE=" + s.ScopeType,
		"JOB_ELEMENT_ID=" + s.ElementID,
		"JOB_RETRIES=" + strconv.Itoa(s.Retries),
	}
}
