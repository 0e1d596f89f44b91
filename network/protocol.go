package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the version carried in the TCP hello exchange.
	ProtocolVersion = 1
	// MaxFrameBytes is the default ceiling for one encrypted frame (100 MiB).
	MaxFrameBytes = 100 * 1024 * 1024
	// MaxControlFrameSize bounds hello/error frames exchanged before a session starts.
	MaxControlFrameSize = 64 * 1024
	// DefaultServiceID is the well-known service identifier peers listen on.
	DefaultServiceID = "27b7d1da-08c7-4505-a6d1-2459987e5e2d"
	// DefaultConnectionTimeout bounds TCP dial and hello exchange.
	DefaultConnectionTimeout = 30 * time.Second

	frameHeaderSize = 4
)

const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeError    = "error"
)

var (
	// ErrFrameTooLarge indicates a payload above the configured frame ceiling.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEncryptFailed indicates a payload could not be sealed. Nothing was written.
	ErrEncryptFailed = errors.New("network: encrypt failed")
	// ErrTransferFailed indicates a frame-length violation or a stream closed mid-frame.
	ErrTransferFailed = errors.New("network: transfer failed")
	// ErrNotConnected indicates a send attempted without a connected session.
	ErrNotConnected = errors.New("network: not connected")
	// ErrSessionActive rejects a connect or listen while another attempt is live.
	ErrSessionActive = errors.New("network: session already active")
	// ErrConnectionEnded indicates the outcome stream ended before a session was established.
	ErrConnectionEnded = errors.New("network: connection ended before it was established")
	// ErrClosedByPeer indicates the remote side closed the stream between frames.
	ErrClosedByPeer = errors.New("network: connection closed by peer")
	// ErrServiceMismatch indicates a dialer asked for a service this listener does not offer.
	ErrServiceMismatch = errors.New("network: service identifier mismatch")
	// ErrInvalidMessageType indicates the control message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a TCP stream and names the requested service.
type HelloMessage struct {
	Type            string `json:"type"`
	ServiceID       string `json:"service_id"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ListenPort      int    `json:"listen_port,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloAck accepts a hello.
type HelloAck struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorMessage reports a rejected hello.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a control message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a control payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame. Empty payloads are rejected since
// a zero length is a protocol violation on the read side.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", ErrTransferFailed)
	}
	if maxSize > 0 && len(payload) > maxSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
//
// It returns io.EOF only when the stream ends before any header byte. A short
// header, a short payload, or a declared length outside (0, maxSize] is reported
// as ErrTransferFailed and nothing past the header is consumed for a bad length.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed inside frame header", ErrTransferFailed)
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrTransferFailed)
	}
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrTransferFailed, length, maxSize)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed inside frame payload", ErrTransferFailed)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadControlFrame reads one frame bounded by MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return ReadFrame(r, MaxControlFrameSize)
}

// ReadControlFrameWithTimeout reads a control frame with an optional read deadline.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadControlFrame(conn)
}

// writeControlFrame marshals a control message and writes it as one frame.
func writeControlFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload, MaxControlFrameSize)
}
