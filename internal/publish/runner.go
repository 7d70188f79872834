package publish

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a reverse-proxy control command.
type Runner interface {
	Run(ctx context.Context, command string) ([]byte, error)
}

// ShellRunner runs commands through sh -c with a bounded duration.
type ShellRunner struct {
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, command string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", command, ctx.Err())
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s: %w", command, err)
		}
		return out, fmt.Errorf("%s: %w: %s", command, err, msg)
	}
	return out, nil
}
