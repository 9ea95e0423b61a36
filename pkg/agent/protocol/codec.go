package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxLineBytes bounds a single protocol line. Scripts stay on disk, so
// messages are small; the bound mostly guards stdout/stderr in results.
const maxLineBytes = 10 * 1024 * 1024

// Encoder writes protocol messages to an io.Writer, one JSON object per
// line, flushing after each message.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
	}

	raw, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return e.w.Flush()
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(r *Ready) error {
	return e.Encode(MessageTypeReady, r)
}

// EncodeJob sends a JOB message.
func (e *Encoder) EncodeJob(j *Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	return e.Encode(MessageTypeJob, j)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(evt *Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, evt)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(r *Result) error {
	return e.Encode(MessageTypeResult, r)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder creates a protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{s: s}
}

// Decode reads the next message. It returns io.EOF when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	if err := d.s.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// DecodeJob reads the next message and requires it to be a JOB.
func (d *Decoder) DecodeJob() (*Job, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeJob {
		return nil, fmt.Errorf("expected JOB message, got %s", msg.Type)
	}
	var job Job
	if err := ParsePayload(msg.Data, &job); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return &job, nil
}

// ParsePayload parses a message payload into a concrete type.
func ParsePayload(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
