package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// containerWorkDir is the fixed mount point of the work directory inside
// the sandbox container.
const containerWorkDir = "/work"

// SandboxConfig configures containerized execution.
type SandboxConfig struct {
	// Runtime is the container runtime binary, "docker" or "podman".
	Runtime string

	// Image is the container image carrying the backend interpreter.
	Image string

	// Interpreter is the interpreter binary inside the image.
	Interpreter string

	// Args are passed to the interpreter before the script path.
	Args []string

	// WorkDir is the host directory mounted read-write at /work. The
	// script and artifact must live under it.
	WorkDir string

	// ScriptPath is the host path of the script, under WorkDir.
	ScriptPath string

	// ArtifactPath is the host path of the result artifact, under WorkDir.
	ArtifactPath string
}

// Validate checks the configuration, including that script and artifact
// resolve inside the mounted work directory.
func (c *SandboxConfig) Validate() error {
	if c.Runtime == "" {
		return engine.NewConfigError("sandbox runner requires a container runtime", nil)
	}
	if c.Image == "" {
		return engine.NewConfigError("sandbox runner requires a container image", nil)
	}
	if c.Interpreter == "" {
		return engine.NewConfigError("sandbox runner requires an interpreter", nil)
	}
	if c.WorkDir == "" {
		return engine.NewConfigError("sandbox runner requires a work directory", nil)
	}
	if _, err := c.containerPath(c.ScriptPath); err != nil {
		return err
	}
	if c.ArtifactPath != "" {
		if _, err := c.containerPath(c.ArtifactPath); err != nil {
			return err
		}
	}
	return nil
}

// containerPath maps a host path under WorkDir to its in-container path.
func (c *SandboxConfig) containerPath(hostPath string) (string, error) {
	if hostPath == "" {
		return "", engine.NewConfigError("sandbox runner requires a script path", nil)
	}
	rel, err := filepath.Rel(c.WorkDir, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", engine.NewConfigError(
			fmt.Sprintf("path %s is outside the sandbox work directory %s", hostPath, c.WorkDir), err)
	}
	return filepath.ToSlash(filepath.Join(containerWorkDir, rel)), nil
}

// Sandbox executes scripts inside a container with the work directory
// mounted read-write.
type Sandbox struct {
	cfg LocalConfig

	runtime string
	image   string
	argv    []string
	log     *telemetry.Logger
}

// NewSandbox creates a sandboxed runner. The runtime binary must be on
// PATH; a missing runtime is an infrastructure error.
func NewSandbox(cfg SandboxConfig, tel *telemetry.Telemetry) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.Runtime); err != nil {
		return nil, engine.NewInfrastructureError(
			fmt.Sprintf("container runtime %q not found", cfg.Runtime), err)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	scriptInContainer, err := cfg.containerPath(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}

	argv := []string{
		"run", "--rm",
		"--volume", fmt.Sprintf("%s:%s:rw", cfg.WorkDir, containerWorkDir),
		"--workdir", containerWorkDir,
		cfg.Image,
		cfg.Interpreter,
	}
	argv = append(argv, cfg.Args...)
	argv = append(argv, scriptInContainer)

	return &Sandbox{
		cfg: LocalConfig{
			Interpreter:  cfg.Interpreter,
			ScriptPath:   cfg.ScriptPath,
			ArtifactPath: cfg.ArtifactPath,
		},
		runtime: cfg.Runtime,
		image:   cfg.Image,
		argv:    argv,
		log:     tel.Logger.NewComponentLogger("runner"),
	}, nil
}

// Run executes the script in a fresh container.
func (r *Sandbox) Run(ctx context.Context, script *engine.Script) (*engine.ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, r.runtime, r.argv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.WithBackend(script.Backend).Debugf("executing in %s image %s", r.runtime, r.image)

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
			fmt.Sprintf("cannot start container runtime %q", r.runtime), err)
	}

	return res, nil
}
