package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host and waits for it.
// Returns stdout, stderr, and any error that occurred.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	conn, err := c.sshConn()
	if err != nil {
		return "", "", err
	}

	session, err := conn.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	c.log.Debugf("executing remote command: %s", cmd)
	start := time.Now()

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Context cancelled, try to signal the session
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.log.Debugf("remote command completed in %s", time.Since(start))

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			// Command ran but returned non-zero exit code
			return stdout, stderr, &TransportError{
				Op:          "execute",
				Err:         fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
		return stdout, stderr, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return stdout, stderr, nil
}

// Start launches a remote command with piped stdin and stdout, which is
// how the remote runner talks newline-delimited JSON with the agent.
// The returned wait function blocks until the command exits; stderr is
// collected and logged when it does.
func (c *Client) Start(ctx context.Context, command string) (stdin io.WriteCloser, stdout io.Reader, wait func() error, err error) {
	conn, err := c.sshConn()
	if err != nil {
		return nil, nil, nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to create stdin pipe: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to create stdout pipe: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	var stderrBuf bytes.Buffer
	session.Stderr = &stderrBuf

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	c.log.Debugf("remote command started: %s", command)

	// Tear the session down if the caller's context dies while the
	// command is still running.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			time.Sleep(100 * time.Millisecond)
			_ = session.Close()
		case <-done:
		}
	}()

	var waitOnce sync.Once
	var waitErr error
	waitFn := func() error {
		waitOnce.Do(func() {
			waitErr = session.Wait()
			close(done)
			_ = session.Close()
			if s := strings.TrimSpace(stderrBuf.String()); s != "" {
				c.log.Debugf("remote command stderr: %s", s)
			}
		})
		return waitErr
	}

	return stdinPipe, stdoutPipe, waitFn, nil
}
