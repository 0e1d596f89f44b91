package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bluechat/crypto"
	"bluechat/models"
)

func testCipher(t *testing.T) *crypto.CipherContext {
	t.Helper()
	c, err := crypto.NewCipherContext(crypto.CipherConfig{Iterations: 1000})
	require.NoError(t, err)
	return c
}

// fakeTransport hands out in-memory pipes. The far end of every dialed or
// accepted stream is published on remotes.
type fakeTransport struct {
	dialErr   error
	listenErr error

	remotes  chan net.Conn
	incoming chan io.ReadWriteCloser

	mu    sync.Mutex
	dials []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		remotes:  make(chan net.Conn, 4),
		incoming: make(chan io.ReadWriteCloser, 4),
	}
}

func (f *fakeTransport) Listen(serviceID string) (Listener, error) {
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	return &fakeListener{incoming: f.incoming, closed: make(chan struct{})}, nil
}

func (f *fakeTransport) Dial(ctx context.Context, address, serviceID string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.dials = append(f.dials, address)
	f.mu.Unlock()

	if f.dialErr != nil {
		return nil, f.dialErr
	}
	local, remote := net.Pipe()
	f.remotes <- remote
	return local, nil
}

// offer queues an inbound stream for the next Accept and returns its far end.
func (f *fakeTransport) offer(peer models.PeerDevice) net.Conn {
	local, remote := net.Pipe()
	f.incoming <- &identifiedStream{Conn: local, peer: peer}
	return remote
}

func (f *fakeTransport) nextRemote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case remote := <-f.remotes:
		t.Cleanup(func() { _ = remote.Close() })
		return remote
	case <-time.After(2 * time.Second):
		t.Fatalf("no stream was dialed")
		return nil
	}
}

type fakeListener struct {
	incoming chan io.ReadWriteCloser

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *fakeListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case stream := <-l.incoming:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type identifiedStream struct {
	net.Conn
	peer models.PeerDevice
}

func (s *identifiedStream) RemotePeer() models.PeerDevice {
	return s.peer
}

// failingStream fails its next Read once trigger is closed.
type failingStream struct {
	net.Conn
	trigger chan struct{}
}

func (s *failingStream) Read(p []byte) (int, error) {
	<-s.trigger
	return 0, errors.New("connection reset by peer")
}

type scanRecorder struct {
	mu        sync.Mutex
	cancelled int
}

func (s *scanRecorder) CancelScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
}

func (s *scanRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func nextEvent(t *testing.T, events <-chan SessionEvent) SessionEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("event stream closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session event")
		return SessionEvent{}
	}
}

func nextOutcome(t *testing.T, outcomes <-chan ConnectionOutcome) (ConnectionOutcome, bool) {
	t.Helper()
	select {
	case outcome, ok := <-outcomes:
		return outcome, ok
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection outcome")
		return ConnectionOutcome{}, false
	}
}
