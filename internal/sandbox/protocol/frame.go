package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"workbench/internal/common/codec"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

const headerSize = 4

// ProtocolError is a malformed or unexpected frame. The control socket is
// unusable after one.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// WriteMessage frames msg and writes it with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	payload, err := codec.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Kind(), err)
	}
	return nil
}

// ReadMessage reads exactly one frame. It returns io.EOF only when the peer
// closed the socket on a frame boundary; every other short read or decode
// failure is a *ProtocolError.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, protocolErr("truncated frame header", err)
	default:
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return nil, protocolErr(fmt.Sprintf("invalid frame length %d", size), nil)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErr("truncated frame body", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decode(payload)
}

func decode(payload []byte) (Message, error) {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return nil, protocolErr("malformed envelope", err)
	}
	var msg Message
	var err error
	switch env.Kind {
	case KindImportModules:
		var m ImportModules
		err = codec.Unmarshal(env.Body, &m)
		msg = m
	case KindSpawnRequest:
		var m SpawnRequest
		err = codec.Unmarshal(env.Body, &m)
		msg = m
	case KindSpawnedChildHandle:
		var m SpawnedChildHandle
		err = codec.Unmarshal(env.Body, &m)
		msg = m
	case KindSpawnError:
		var m SpawnError
		err = codec.Unmarshal(env.Body, &m)
		msg = m
	default:
		return nil, protocolErr(fmt.Sprintf("unknown message kind %q", env.Kind), nil)
	}
	if err != nil {
		return nil, protocolErr("malformed "+string(env.Kind), err)
	}
	return msg, nil
}

// Expect reads one frame and requires it to be of type T.
func Expect[T Message](r io.Reader) (T, error) {
	var zero T
	msg, err := ReadMessage(r)
	if err != nil {
		return zero, err
	}
	m, ok := msg.(T)
	if !ok {
		return zero, protocolErr(fmt.Sprintf("expected %s, got %s", zero.Kind(), msg.Kind()), nil)
	}
	return m, nil
}
