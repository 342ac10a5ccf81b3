package deploy_exec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
)

// Deployer runs the configured deploy command for an approved execution.
type Deployer struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	Stage   string
}

func New(command string, args []string, dir string, env map[string]string, timeout time.Duration, stage string) *Deployer {
	return &Deployer{Command: command, Args: args, Dir: dir, Env: env, Timeout: timeout, Stage: stage}
}

func (d *Deployer) Deploy(ctx context.Context, e domain.PipelineExecution) (string, error) {
	if strings.TrimSpace(d.Command) == "" {
		return "", &domain.ValidationError{Field: "deploy.command", Reason: "empty"}
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Dir = d.Dir
	cmd.Env = append(os.Environ(), d.environ(e)...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(out), fmt.Errorf("%s: %w", d.Command, ctx.Err())
		}
		return string(out), fmt.Errorf("%s: %w: %s", d.Command, err, tail(string(out)))
	}
	return string(out), nil
}

func (d *Deployer) environ(e domain.PipelineExecution) []string {
	env := []string{
		"ENV=" + d.Stage,
		"BRANCH=" + e.Trigger.Branch,
		"COMMIT=" + e.Trigger.Commit,
		"REPOSITORY=" + e.Trigger.Owner + "/" + e.Trigger.Repo,
		"EXECUTION_ID=" + e.ID,
		"PIPELINE=" + e.Pipeline,
	}
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	return s
}
