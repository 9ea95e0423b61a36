package runner

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/agent/protocol"
	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// RemoteTransport is the slice of the SSH transport the remote runner
// needs. pkg/transports/ssh.Client satisfies it.
type RemoteTransport interface {
	// Upload writes data to a remote file via SFTP.
	Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error

	// Download copies a remote file to a local path via SFTP.
	Download(ctx context.Context, remotePath string, localPath string) error

	// Start launches a remote command with piped stdio. wait blocks until
	// the command exits.
	Start(ctx context.Context, command string) (stdin io.WriteCloser, stdout io.Reader, wait func() error, err error)
}

// RemoteConfig configures execution through the simforge-agent binary on
// a remote host.
type RemoteConfig struct {
	// AgentPath is the remote path of the simforge-agent binary.
	AgentPath string

	// RemoteDir is the remote work directory for script and artifact.
	RemoteDir string

	// Interpreter is the backend interpreter binary on the remote host.
	Interpreter string

	// Args are passed to the interpreter before the script path.
	Args []string

	// ScriptName is the script file name under RemoteDir.
	ScriptName string

	// ArtifactName is the artifact file name under RemoteDir.
	ArtifactName string

	// LocalArtifactPath is where the artifact lands after download, and
	// what the evaluation stage reads.
	LocalArtifactPath string

	// StartupTimeout bounds the wait for the agent's READY message.
	StartupTimeout time.Duration
}

// Validate checks the configuration and fills defaults.
func (c *RemoteConfig) Validate() error {
	if c.AgentPath == "" {
		return engine.NewConfigError("remote runner requires the agent path", nil)
	}
	if c.RemoteDir == "" {
		return engine.NewConfigError("remote runner requires a remote work directory", nil)
	}
	if c.Interpreter == "" {
		return engine.NewConfigError("remote runner requires an interpreter", nil)
	}
	if c.LocalArtifactPath == "" {
		return engine.NewConfigError("remote runner requires a local artifact path", nil)
	}
	if c.ScriptName == "" {
		c.ScriptName = "experiment.py"
	}
	if c.ArtifactName == "" {
		c.ArtifactName = "results.csv"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	return nil
}

// Remote executes scripts on a remote host through the simforge-agent.
type Remote struct {
	cfg       RemoteConfig
	transport RemoteTransport
	log       *telemetry.Logger
}

// NewRemote creates a remote runner over an established transport.
func NewRemote(cfg RemoteConfig, transport RemoteTransport, tel *telemetry.Telemetry) (*Remote, error) {
	if transport == nil {
		return nil, engine.NewConfigError("remote runner requires a transport", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Remote{
		cfg:       cfg,
		transport: transport,
		log:       tel.Logger.NewComponentLogger("runner"),
	}, nil
}

// Run uploads the script, drives one agent invocation, and downloads the
// artifact on success.
func (r *Remote) Run(ctx context.Context, script *engine.Script) (*engine.ExecutionResult, error) {
	remoteScript := path.Join(r.cfg.RemoteDir, r.cfg.ScriptName)
	remoteArtifact := path.Join(r.cfg.RemoteDir, r.cfg.ArtifactName)

	if err := r.transport.Upload(ctx, []byte(script.Text()), remoteScript, 0o644); err != nil {
		return nil, engine.NewInfrastructureError("script upload failed", err)
	}

	stdin, stdout, wait, err := r.transport.Start(ctx, r.cfg.AgentPath)
	if err != nil {
		return nil, engine.NewInfrastructureError("cannot start remote agent", err)
	}
	closeAgent := func() {
		_ = stdin.Close()
		_ = wait()
	}

	enc := protocol.NewEncoder(stdin)
	dec := protocol.NewDecoder(stdout)

	if err := r.awaitReady(ctx, dec); err != nil {
		closeAgent()
		return nil, err
	}

	job := &protocol.Job{
		ID:          uuid.New().String(),
		Interpreter: r.cfg.Interpreter,
		Args:        r.cfg.Args,
		ScriptPath:  remoteScript,
		WorkDir:     r.cfg.RemoteDir,
	}
	// Mirror the controller deadline on the agent side, so the child dies
	// even if the transport lingers.
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			job.TimeoutSeconds = int(remaining/time.Second) + 1
		}
	}

	if err := enc.EncodeJob(job); err != nil {
		closeAgent()
		return nil, engine.NewInfrastructureError("failed to send job to agent", err)
	}

	agentResult, err := r.awaitResult(ctx, dec, job.ID)
	closeAgent()
	if err != nil {
		return nil, err
	}
	if agentResult == nil {
		// Transport collapsed because our context ended.
		return &engine.ExecutionResult{
			Cancelled:    true,
			ExitCode:     -1,
			ArtifactPath: r.cfg.LocalArtifactPath,
		}, nil
	}

	if agentResult.Error != "" {
		return nil, engine.NewInfrastructureError("remote interpreter failed to start: "+agentResult.Error, nil)
	}

	res := &engine.ExecutionResult{
		ExitCode:     agentResult.ExitCode,
		Stdout:       agentResult.Stdout,
		Stderr:       agentResult.Stderr,
		Cancelled:    agentResult.Cancelled,
		Duration:     time.Duration(agentResult.DurationSeconds * float64(time.Second)),
		ArtifactPath: r.cfg.LocalArtifactPath,
	}

	if res.ExitCode == 0 && !res.Cancelled {
		if err := r.transport.Download(ctx, remoteArtifact, r.cfg.LocalArtifactPath); err != nil {
			// A missing artifact is scored as a crash downstream.
			r.log.Warnf("artifact download failed: %v", err)
		}
	}

	return res, nil
}

// awaitReady waits for the agent's READY message within the startup
// timeout.
func (r *Remote) awaitReady(ctx context.Context, dec *protocol.Decoder) error {
	readyCtx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	defer cancel()

	type decoded struct {
		msg *protocol.Message
		err error
	}
	ch := make(chan decoded, 1)
	go func() {
		msg, err := dec.Decode()
		ch <- decoded{msg: msg, err: err}
	}()

	select {
	case <-readyCtx.Done():
		return engine.NewInfrastructureError("timed out waiting for agent READY", readyCtx.Err())
	case d := <-ch:
		if d.err != nil {
			return engine.NewInfrastructureError("failed to read agent READY", d.err)
		}
		if d.msg.Type != protocol.MessageTypeReady {
			return engine.NewInfrastructureError(fmt.Sprintf("expected READY from agent, got %s", d.msg.Type), nil)
		}
		var ready protocol.Ready
		if err := protocol.ParsePayload(d.msg.Data, &ready); err != nil {
			return engine.NewInfrastructureError("malformed READY from agent", err)
		}
		r.log.Debugf("agent ready: version=%s platform=%s/%s pid=%d",
			ready.Version, ready.Platform, ready.Arch, ready.PID)
		return nil
	}
}

// awaitResult consumes events until the RESULT arrives. It returns
// (nil, nil) when the stream collapses because the caller's context
// ended, which the caller reports as a cancelled execution.
func (r *Remote) awaitResult(ctx context.Context, dec *protocol.Decoder, jobID string) (*protocol.Result, error) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, engine.NewInfrastructureError("agent stream ended before result", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var evt protocol.Event
			if err := protocol.ParsePayload(msg.Data, &evt); err != nil {
				return nil, engine.NewInfrastructureError("malformed event from agent", err)
			}
			r.log.Debugf("agent event: %s", evt.Message)

		case protocol.MessageTypeResult:
			var result protocol.Result
			if err := protocol.ParsePayload(msg.Data, &result); err != nil {
				return nil, engine.NewInfrastructureError("malformed result from agent", err)
			}
			if result.JobID != jobID {
				return nil, engine.NewInfrastructureError(
					fmt.Sprintf("job ID mismatch: expected %s, got %s", jobID, result.JobID), nil)
			}
			return &result, nil

		default:
			return nil, engine.NewInfrastructureError(
				fmt.Sprintf("unexpected %s message from agent", msg.Type), nil)
		}
	}
}
