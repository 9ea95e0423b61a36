package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/simforge/simforge/pkg/agent/protocol"
)

// runJob drives Run with a single encoded job and returns the decoded
// output stream: the READY message, any events, and the final result.
func runJob(t *testing.T, job *protocol.Job) (*protocol.Ready, []*protocol.Event, *protocol.Result) {
	t.Helper()

	var in, out bytes.Buffer
	if err := protocol.NewEncoder(&in).EncodeJob(job); err != nil {
		t.Fatalf("Failed to encode job: %v", err)
	}

	if err := Run(context.Background(), &in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var (
		ready  *protocol.Ready
		events []*protocol.Event
		result *protocol.Result
	)
	dec := protocol.NewDecoder(&out)
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to decode output: %v", err)
		}
		switch msg.Type {
		case protocol.MessageTypeReady:
			ready = &protocol.Ready{}
			if err := protocol.ParsePayload(msg.Data, ready); err != nil {
				t.Fatalf("Failed to parse READY: %v", err)
			}
		case protocol.MessageTypeEvent:
			evt := &protocol.Event{}
			if err := protocol.ParsePayload(msg.Data, evt); err != nil {
				t.Fatalf("Failed to parse EVENT: %v", err)
			}
			events = append(events, evt)
		case protocol.MessageTypeResult:
			result = &protocol.Result{}
			if err := protocol.ParsePayload(msg.Data, result); err != nil {
				t.Fatalf("Failed to parse RESULT: %v", err)
			}
		default:
			t.Fatalf("Unexpected message type %s", msg.Type)
		}
	}
	return ready, events, result
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func TestRun_ExecutesJob(t *testing.T) {
	script := writeScript(t, "echo hello\n")

	ready, events, result := runJob(t, &protocol.Job{
		ID:          "job-1",
		Interpreter: "/bin/sh",
		ScriptPath:  script,
	})

	if ready == nil {
		t.Fatal("Expected READY message before result")
	}
	if ready.PID == 0 {
		t.Error("Expected READY to carry the agent PID")
	}
	if len(events) == 0 {
		t.Error("Expected at least one progress event")
	}

	if result == nil {
		t.Fatal("Expected RESULT message")
	}
	if result.JobID != "job-1" {
		t.Errorf("Result job ID = %q, want job-1", result.JobID)
	}
	if result.ExitCode != 0 {
		t.Errorf("Exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
	if result.Error != "" {
		t.Errorf("Unexpected result error: %s", result.Error)
	}
}

func TestRun_NonzeroExit(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 7\n")

	_, _, result := runJob(t, &protocol.Job{
		ID:          "job-2",
		Interpreter: "/bin/sh",
		ScriptPath:  script,
	})

	if result == nil {
		t.Fatal("Expected RESULT message")
	}
	if result.ExitCode != 7 {
		t.Errorf("Exit code = %d, want 7", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain 'boom'", result.Stderr)
	}
	if result.Error != "" {
		t.Errorf("Nonzero exit must not set result error, got %s", result.Error)
	}
}

func TestRun_MissingInterpreter(t *testing.T) {
	script := writeScript(t, "echo never\n")

	_, _, result := runJob(t, &protocol.Job{
		ID:          "job-3",
		Interpreter: "/nonexistent/interpreter",
		ScriptPath:  script,
	})

	if result == nil {
		t.Fatal("Expected RESULT message")
	}
	if result.Error == "" {
		t.Error("Expected result error when interpreter cannot start")
	}
	if result.ExitCode != -1 {
		t.Errorf("Exit code = %d, want -1", result.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	script := writeScript(t, "sleep 5\n")

	_, _, result := runJob(t, &protocol.Job{
		ID:             "job-4",
		Interpreter:    "/bin/sh",
		ScriptPath:     script,
		TimeoutSeconds: 1,
	})

	if result == nil {
		t.Fatal("Expected RESULT message")
	}
	if !result.Cancelled {
		t.Error("Expected result to be marked cancelled after timeout")
	}
	if result.ExitCode != -1 {
		t.Errorf("Exit code = %d, want -1", result.ExitCode)
	}
}

func TestRun_RejectsInvalidJob(t *testing.T) {
	var in, out bytes.Buffer
	if err := protocol.NewEncoder(&in).EncodeEvent(&protocol.Event{JobID: "x", Message: "not a job"}); err != nil {
		t.Fatalf("Failed to encode event: %v", err)
	}

	if err := Run(context.Background(), &in, &out); err == nil {
		t.Error("Expected error when first message is not a job")
	}
}
