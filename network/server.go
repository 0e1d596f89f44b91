package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bluechat/models"
)

const (
	errorCodeServiceMismatch = "service_mismatch"
	errorCodeVersionMismatch = "version_mismatch"
	errorCodeUnknownType     = "unknown_type"
)

// TCPOptions configures the TCP transport.
type TCPOptions struct {
	DeviceID   string
	DeviceName string

	// ListenAddress is where Listen binds, ":0" picks a free port.
	ListenAddress string
	// AdvertisePort is announced to listeners so they can dial back.
	AdvertisePort int

	ConnectionTimeout time.Duration
	Logger            logrus.FieldLogger
}

func (o TCPOptions) withDefaults() TCPOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// TCPListener accepts hello-verified inbound streams for one service.
type TCPListener struct {
	listener  net.Listener
	serviceID string
	options   TCPOptions

	closeOnce sync.Once
}

// ListenTCP binds address and serves serviceID.
func ListenTCP(address, serviceID string, options TCPOptions) (*TCPListener, error) {
	opts := options.withDefaults()
	if address == "" {
		address = opts.ListenAddress
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	return &TCPListener{
		listener:  listener,
		serviceID: serviceID,
		options:   opts,
	}, nil
}

// Addr returns the listening address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *TCPListener) Port() int {
	if tcpAddr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Accept waits for the first inbound stream that completes the hello exchange.
// Streams asking for another service are rejected and accepting continues.
func (l *TCPListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accept connection: %w", err)
		}

		stream, err := l.handleInboundConn(conn)
		if err != nil {
			_ = conn.Close()
			l.options.Logger.WithFields(logrus.Fields{
				"function": "Accept",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Rejected inbound connection")
			continue
		}
		return stream, nil
	}
}

// Close stops accepting.
func (l *TCPListener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		closeErr = l.listener.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	return closeErr
}

func (l *TCPListener) handleInboundConn(conn net.Conn) (*TCPStream, error) {
	if err := conn.SetDeadline(time.Now().Add(l.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	payload, err := ReadControlFrameWithTimeout(conn, l.options.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType != TypeHello {
		_ = l.sendError(conn, errorCodeUnknownType, fmt.Sprintf("Expected %q, got %q", TypeHello, msgType))
		return nil, ErrInvalidMessageType
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = l.sendError(conn, errorCodeVersionMismatch, fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, hello.ProtocolVersion))
		return nil, fmt.Errorf("unsupported protocol version %d", hello.ProtocolVersion)
	}
	if hello.ServiceID != l.serviceID {
		_ = l.sendError(conn, errorCodeServiceMismatch, fmt.Sprintf("Service %q is not offered here.", hello.ServiceID))
		return nil, ErrServiceMismatch
	}

	if err := writeControlFrame(conn, HelloAck{
		Type:       TypeHelloAck,
		DeviceID:   l.options.DeviceID,
		DeviceName: l.options.DeviceName,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("write hello response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return &TCPStream{
		Conn: conn,
		peer: models.PeerDevice{
			Address:     peerAddress(conn.RemoteAddr(), hello.ListenPort),
			DisplayName: hello.DeviceName,
		},
	}, nil
}

func (l *TCPListener) sendError(conn net.Conn, code, message string) error {
	return writeControlFrame(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}
