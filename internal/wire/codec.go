package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes any wire value (Request, ResponseFrame, Envelope, ...)
// to its self-describing msgpack representation.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeRequest decodes a msgpack-encoded Request, validating that exactly
// the payload named by Kind is present.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) validate() error {
	present := func(ok bool) int {
		if ok {
			return 1
		}
		return 0
	}
	count := present(r.GetEnvironment != nil) + present(r.ModifyInterpreter != nil) +
		present(r.SetEnvironmentVariables != nil) + present(r.RunCommand != nil) +
		present(r.InstallRequirements != nil) + present(r.RunCode != nil) +
		present(r.Disconnect != nil)
	if count != 1 {
		return fmt.Errorf("malformed request: kind %q carries %d payloads, want 1", r.Kind, count)
	}
	matching := map[RequestKind]bool{
		KindGetEnvironment:          r.GetEnvironment != nil,
		KindModifyInterpreter:       r.ModifyInterpreter != nil,
		KindSetEnvironmentVariables: r.SetEnvironmentVariables != nil,
		KindRunCommand:              r.RunCommand != nil,
		KindInstallRequirements:     r.InstallRequirements != nil,
		KindRunCode:                 r.RunCode != nil,
		KindDisconnect:              r.Disconnect != nil,
	}
	if !matching[r.Kind] {
		return fmt.Errorf("malformed request: kind %q does not match its payload", r.Kind)
	}
	return nil
}

// DecodeResponseFrame decodes a msgpack-encoded ResponseFrame.
func DecodeResponseFrame(data []byte) (ResponseFrame, error) {
	var frame ResponseFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return ResponseFrame{}, fmt.Errorf("decode response frame: %w", err)
	}
	return frame, nil
}

// Envelope is the in-memory form of one logical multi-part wire message:
// a ROUTER-style frame set. Client-to-broker envelopes carry
// [clientID, delimiter, body]; broker-to-client envelopes carry
// [clientID, delimiter, tag, body]. It is msgpack-encoded as a single
// binary websocket message (see internal/frontend), which lets the
// frame-count invariants from spec.md be exercised without a real socket.
type Envelope struct {
	Parts [][]byte `msgpack:"parts"`
}

// EncodeEnvelope serializes an Envelope to its wire bytes.
func EncodeEnvelope(parts ...[]byte) ([]byte, error) {
	return Encode(Envelope{Parts: parts})
}

// DecodeEnvelope parses a wire-format Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// WorkerFrameKind discriminates the two things a worker writes to its
// output pipe: a response frame, or the completion sentinel.
type WorkerFrameKind string

const (
	WorkerFrameResponse  WorkerFrameKind = "response"
	WorkerFrameCompleted WorkerFrameKind = "completed"
)

// WorkerFrame is one length-prefixed unit on the worker's stdout pipe
// (child to parent): either a ResponseFrame or the Completed sentinel,
// which terminates one request's frame stream. The stdin pipe (parent to
// child) carries bare Request frames instead (see WriteRequest).
type WorkerFrame struct {
	Kind     WorkerFrameKind `msgpack:"kind"`
	Response *ResponseFrame  `msgpack:"response,omitempty"`
}

// WriteFrame writes a length-prefixed msgpack frame to w: a 4-byte
// big-endian length header followed by the payload. Used for both the
// broker-to-worker request pipe and the worker-to-broker response pipe.
func WriteFrame(w io.Writer, v any) error {
	payload, err := Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// maxFrameSize bounds a single pipe frame to guard against a corrupted or
// malicious length header from hanging the reader on an enormous alloc.
const maxFrameSize = 64 << 20 // 64MiB

// ReadFrame reads one length-prefixed payload from r and returns it.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadWorkerFrame reads and decodes one WorkerFrame from r.
func ReadWorkerFrame(r *bufio.Reader) (WorkerFrame, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return WorkerFrame{}, err
	}
	var frame WorkerFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return WorkerFrame{}, fmt.Errorf("decode worker frame: %w", err)
	}
	return frame, nil
}

// WriteWorkerFrame writes a response frame wrapped as a WorkerFrame.
func WriteWorkerFrame(w io.Writer, frame ResponseFrame) error {
	return WriteFrame(w, WorkerFrame{Kind: WorkerFrameResponse, Response: &frame})
}

// WriteWorkerCompleted writes the completion sentinel.
func WriteWorkerCompleted(w io.Writer) error {
	return WriteFrame(w, WorkerFrame{Kind: WorkerFrameCompleted})
}

// ReadRequest reads and decodes one length-prefixed Request frame.
func ReadRequest(r *bufio.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

// WriteRequest writes one length-prefixed Request frame.
func WriteRequest(w io.Writer, req Request) error {
	return WriteFrame(w, req)
}
