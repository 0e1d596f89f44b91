package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"bluechat/models"
)

// TCPStream is a hello-verified TCP connection.
type TCPStream struct {
	net.Conn
	peer models.PeerDevice
}

// RemotePeer returns the peer announced in the hello exchange.
func (s *TCPStream) RemotePeer() models.PeerDevice {
	return s.peer
}

// DialTCP connects to address, performs the hello exchange for serviceID and
// returns a stream ready for framing.
func DialTCP(ctx context.Context, address, serviceID string, options TCPOptions) (*TCPStream, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	hello := HelloMessage{
		Type:            TypeHello,
		ServiceID:       serviceID,
		DeviceID:        opts.DeviceID,
		DeviceName:      opts.DeviceName,
		ListenPort:      opts.AdvertisePort,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := writeControlFrame(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		remoteErr := ErrorMessage{}
		if err := json.Unmarshal(responsePayload, &remoteErr); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode remote error response: %w", err)
		}
		_ = conn.Close()
		if remoteErr.Code == errorCodeServiceMismatch {
			return nil, fmt.Errorf("%w: %s", ErrServiceMismatch, remoteErr.Message)
		}
		return nil, fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
	}
	if msgType != TypeHelloAck {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloAck, msgType)
	}

	var ack HelloAck
	if err := json.Unmarshal(responsePayload, &ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode hello response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return &TCPStream{
		Conn: conn,
		peer: models.PeerDevice{Address: address, DisplayName: ack.DeviceName},
	}, nil
}

// TCPTransport implements Transport over TCP with a hello exchange. Once it
// listens, later dials advertise the bound port so the remote side can dial back.
type TCPTransport struct {
	options    TCPOptions
	listenPort atomic.Int32
}

// NewTCPTransport returns a transport using options for every listen and dial.
func NewTCPTransport(options TCPOptions) *TCPTransport {
	return &TCPTransport{options: options.withDefaults()}
}

// Listen opens a TCP endpoint for serviceID.
func (t *TCPTransport) Listen(serviceID string) (Listener, error) {
	listener, err := ListenTCP(t.options.ListenAddress, serviceID, t.options)
	if err != nil {
		return nil, err
	}
	t.listenPort.Store(int32(listener.Port()))
	return listener, nil
}

// Dial connects to address for serviceID.
func (t *TCPTransport) Dial(ctx context.Context, address, serviceID string) (io.ReadWriteCloser, error) {
	opts := t.options
	if opts.AdvertisePort == 0 {
		opts.AdvertisePort = int(t.listenPort.Load())
	}
	stream, err := DialTCP(ctx, address, serviceID, opts)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func peerAddress(remote net.Addr, listenPort int) string {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	if listenPort <= 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(listenPort))
}
