package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"bluechat/models"
)

// ConnectionState represents the lifecycle state of one session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "IDLE"
	StateConnecting ConnectionState = "CONNECTING"
	StateConnected  ConnectionState = "CONNECTED"
	StateClosed     ConnectionState = "CLOSED"
	StateFailed     ConnectionState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Active reports whether a connection attempt or session is live.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// SessionEventType tags a SessionEvent.
type SessionEventType string

const (
	EventEstablished     SessionEventType = "established"
	EventMessageReceived SessionEventType = "message_received"
	EventFailed          SessionEventType = "failed"
	EventClosed          SessionEventType = "closed"
)

// SessionEvent is delivered to the controller's subscriber.
type SessionEvent struct {
	Type    SessionEventType
	Peer    models.PeerDevice
	Message models.ChatMessage
	Err     error
}

// Controller owns the lifecycle of one session and its single framed channel.
//
// Idle -> Connecting on Connect or Listen, Connecting -> Connected on the first
// Established outcome, and any state -> Failed on an error or Closed on
// Disconnect. Events are emitted from one goroutine in decode order and the
// events channel is closed after the terminal event.
type Controller struct {
	establisher *Establisher
	serviceID   string
	logger      logrus.FieldLogger

	mu       sync.Mutex
	state    ConnectionState
	peer     models.PeerDevice
	channel  *FramedChannel
	cancel   context.CancelFunc
	closeErr error

	events chan SessionEvent
	done   chan struct{}
}

// NewController returns an idle controller bound to serviceID.
func NewController(establisher *Establisher, serviceID string, logger logrus.FieldLogger) *Controller {
	if serviceID == "" {
		serviceID = DefaultServiceID
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{
		establisher: establisher,
		serviceID:   serviceID,
		logger:      logger,
		state:       StateIdle,
		events:      make(chan SessionEvent, 64),
		done:        make(chan struct{}),
	}
}

// Connect dials peer. Rejected with ErrSessionActive unless the controller is idle.
func (c *Controller) Connect(peer models.PeerDevice) error {
	return c.start(peer, func(ctx context.Context) <-chan ConnectionOutcome {
		return c.establisher.Dial(ctx, peer, c.serviceID)
	})
}

// Listen waits for one inbound peer. Rejected with ErrSessionActive unless idle.
func (c *Controller) Listen() error {
	return c.start(models.PeerDevice{}, func(ctx context.Context) <-chan ConnectionOutcome {
		return c.establisher.Listen(ctx, c.serviceID)
	})
}

func (c *Controller) start(peer models.PeerDevice, open func(context.Context) <-chan ConnectionOutcome) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: controller is %s", ErrSessionActive, state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateConnecting
	c.peer = peer
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(open(ctx))
	return nil
}

// Send encodes and writes message. It performs no I/O unless connected. A write
// failure fails the session; a message that cannot be sealed or is too large
// for one frame is rejected and the session stays up.
func (c *Controller) Send(message models.ChatMessage) error {
	c.mu.Lock()
	if c.state != StateConnected || c.channel == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	channel := c.channel
	c.mu.Unlock()

	if err := channel.SendFrame(EncodeMessage(message)); err != nil {
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEncryptFailed) {
			return err
		}
		c.fail(fmt.Errorf("send message: %w", err))
		return err
	}
	return nil
}

// Disconnect closes the session and releases the channel. Calling it again, or
// after a failure, is a no-op.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	if c.state == StateIdle {
		c.state = StateClosed
		close(c.events)
		close(c.done)
		return
	}
	c.state = StateClosed
	c.releaseLocked()
}

// State returns the current state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the remote peer, known once connected or when dialing.
func (c *Controller) Peer() models.PeerDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Err returns the failure reason once the controller has failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Events delivers session events until the terminal one.
func (c *Controller) Events() <-chan SessionEvent {
	return c.events
}

// Done is closed after the terminal event has been delivered.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) run(outcomes <-chan ConnectionOutcome) {
	defer close(c.done)
	defer close(c.events)

	for outcome := range outcomes {
		switch outcome.Type {
		case OutcomeEstablished:
			if !c.establish(outcome) {
				continue
			}
			c.events <- SessionEvent{Type: EventEstablished, Peer: outcome.Peer}
		case OutcomeTransferSucceeded:
			if c.State() != StateConnected {
				continue
			}
			c.events <- SessionEvent{Type: EventMessageReceived, Peer: outcome.Peer, Message: outcome.Message}
		case OutcomeError:
			c.fail(outcome.Err)
		}
	}

	// Drain-side bookkeeping: the stream has ended, settle the terminal state.
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.state = StateFailed
		c.closeErr = ErrConnectionEnded
		c.releaseLocked()
	case StateConnected:
		c.state = StateClosed
		c.closeErr = ErrClosedByPeer
		c.releaseLocked()
	}
	state, peer, err := c.state, c.peer, c.closeErr
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"function": "run",
		"state":    string(state),
		"peer":     peer.Address,
	}).Info("Session ended")

	if state == StateFailed {
		c.events <- SessionEvent{Type: EventFailed, Peer: peer, Err: err}
		return
	}
	c.events <- SessionEvent{Type: EventClosed, Peer: peer, Err: err}
}

func (c *Controller) establish(outcome ConnectionOutcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting || c.channel != nil {
		// Never hold a second channel.
		if outcome.Channel != nil {
			_ = outcome.Channel.Close()
		}
		return false
	}
	c.state = StateConnected
	c.channel = outcome.Channel
	if outcome.Peer.Address != "" || c.peer.Address == "" {
		c.peer = outcome.Peer
	}
	return true
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	c.state = StateFailed
	c.closeErr = err
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
}
