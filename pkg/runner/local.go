package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// LocalConfig configures direct interpreter execution.
type LocalConfig struct {
	// Interpreter is the backend interpreter binary, e.g. "python3".
	Interpreter string

	// Args are passed to the interpreter before the script path.
	Args []string

	// ScriptPath is the script file the repair loop writes each attempt.
	ScriptPath string

	// WorkDir is the working directory for the child process. Empty
	// inherits the parent's.
	WorkDir string

	// Env entries are appended to the parent environment.
	Env map[string]string

	// ArtifactPath is where the backend writes its result artifact.
	ArtifactPath string
}

// Validate checks the configuration.
func (c *LocalConfig) Validate() error {
	if c.Interpreter == "" {
		return engine.NewConfigError("local runner requires an interpreter", nil)
	}
	if c.ScriptPath == "" {
		return engine.NewConfigError("local runner requires a script path", nil)
	}
	return nil
}

// Local executes scripts with the configured interpreter on this host.
type Local struct {
	cfg LocalConfig
	log *telemetry.Logger
}

// NewLocal creates a local runner.
func NewLocal(cfg LocalConfig, tel *telemetry.Telemetry) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Local{
		cfg: cfg,
		log: tel.Logger.NewComponentLogger("runner"),
	}, nil
}

// Run executes the script file at the configured path.
func (r *Local) Run(ctx context.Context, script *engine.Script) (*engine.ExecutionResult, error) {
	argv := append(append([]string{}, r.cfg.Args...), r.cfg.ScriptPath)
	cmd := exec.CommandContext(ctx, r.cfg.Interpreter, argv...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	if len(r.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range r.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.WithBackend(script.Backend).Debugf("executing %s %s", r.cfg.Interpreter, r.cfg.ScriptPath)

	start := time.Now()
	err := cmd.Run()
	res := &engine.ExecutionResult{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		Duration:     time.Since(start),
		ArtifactPath: r.cfg.ArtifactPath,
	}

	if ctx.Err() != nil {
		res.Cancelled = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, engine.NewInfrastructureError(
			fmt.Sprintf("cannot start interpreter %q", r.cfg.Interpreter), err)
	}

	return res, nil
}
