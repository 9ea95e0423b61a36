// Package agent implements the execution side of the controller/agent
// protocol: one READY, one JOB, streamed EVENTs, one RESULT.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/simforge/simforge/pkg/agent/protocol"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run services exactly one job over the given streams. The context
// cancels a running child process; protocol-level failures are returned,
// execution failures travel inside the RESULT message.
func Run(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	err := enc.EncodeReady(&protocol.Ready{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
	})
	if err != nil {
		return err
	}

	job, err := dec.DecodeJob()
	if err != nil {
		return fmt.Errorf("failed to receive job: %w", err)
	}

	return enc.EncodeResult(execute(ctx, job, enc))
}

// execute runs the job's interpreter and folds every outcome into a
// Result. A nonzero exit is reported as-is; only a failed spawn sets the
// Error field.
func execute(ctx context.Context, job *protocol.Job, enc *protocol.Encoder) *protocol.Result {
	runCtx := ctx
	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	event(enc, job.ID, fmt.Sprintf("executing %s %s", job.Interpreter, job.ScriptPath))

	argv := append(append([]string{}, job.Args...), job.ScriptPath)
	cmd := exec.CommandContext(runCtx, job.Interpreter, argv...)
	if job.WorkDir != "" {
		cmd.Dir = job.WorkDir
	}
	if len(job.Env) > 0 {
		env := os.Environ()
		for k, v := range job.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &protocol.Result{
		JobID:           job.ID,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: time.Since(start).Seconds(),
	}

	switch {
	case runCtx.Err() != nil:
		result.Cancelled = true
		result.ExitCode = -1
		event(enc, job.ID, "job cancelled")
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = fmt.Sprintf("cannot start interpreter %q: %v", job.Interpreter, err)
		}
		event(enc, job.ID, fmt.Sprintf("job finished with exit code %d", result.ExitCode))
	default:
		event(enc, job.ID, "job finished with exit code 0")
	}

	return result
}

// event emits a best-effort progress notice. A broken pipe here will
// surface when the result is written.
func event(enc *protocol.Encoder, jobID, message string) {
	_ = enc.EncodeEvent(&protocol.Event{JobID: jobID, Message: message})
}
