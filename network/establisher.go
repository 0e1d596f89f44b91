package network

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"bluechat/crypto"
	"bluechat/models"
)

// OutcomeType tags a ConnectionOutcome.
type OutcomeType string

const (
	OutcomeEstablished       OutcomeType = "established"
	OutcomeTransferSucceeded OutcomeType = "transfer_succeeded"
	OutcomeError             OutcomeType = "error"
)

// ConnectionOutcome is one event on an establisher stream.
//
// Established carries the live channel and the remote peer; TransferSucceeded
// carries one decoded inbound message; Error carries the failure.
type ConnectionOutcome struct {
	Type    OutcomeType
	Peer    models.PeerDevice
	Channel *FramedChannel
	Message models.ChatMessage
	Err     error
}

// EstablisherOptions configures an Establisher.
type EstablisherOptions struct {
	Transport     Transport
	Cipher        *crypto.CipherContext
	Scanner       ScanCanceller
	MaxFrameBytes int
	Logger        logrus.FieldLogger
}

// Establisher opens sessions by listening or dialing. Both paths produce the
// same outcome stream.
type Establisher struct {
	transport     Transport
	cipher        *crypto.CipherContext
	scanner       ScanCanceller
	maxFrameBytes int
	logger        logrus.FieldLogger
}

// NewEstablisher validates options and returns an Establisher.
func NewEstablisher(options EstablisherOptions) (*Establisher, error) {
	if options.Transport == nil {
		return nil, fmt.Errorf("network: transport is required")
	}
	if options.Cipher == nil {
		return nil, fmt.Errorf("network: cipher context is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxFrame := options.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = MaxFrameBytes
	}

	return &Establisher{
		transport:     options.Transport,
		cipher:        options.Cipher,
		scanner:       options.Scanner,
		maxFrameBytes: maxFrame,
		logger:        logger,
	}, nil
}

// Listen accepts one inbound connection on serviceID and streams its outcomes.
// The endpoint is closed as soon as a connection is accepted. If accepting
// fails the stream ends without further events.
func (e *Establisher) Listen(ctx context.Context, serviceID string) <-chan ConnectionOutcome {
	out := make(chan ConnectionOutcome, 16)

	go func() {
		defer close(out)

		listener, err := e.transport.Listen(serviceID)
		if err != nil {
			e.emit(ctx, out, ConnectionOutcome{Type: OutcomeError, Err: fmt.Errorf("open listening endpoint: %w", err)})
			return
		}

		stream, err := listener.Accept(ctx)
		_ = listener.Close()
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"function":   "Listen",
				"service_id": serviceID,
				"error":      err.Error(),
			}).Info("Listening endpoint stopped without a connection")
			return
		}

		e.serve(ctx, out, stream, remotePeerOf(stream))
	}()

	return out
}

// Dial cancels any discovery scan, connects to peer at serviceID and streams
// the session outcomes. A dial failure yields a single Error.
func (e *Establisher) Dial(ctx context.Context, peer models.PeerDevice, serviceID string) <-chan ConnectionOutcome {
	out := make(chan ConnectionOutcome, 16)

	go func() {
		defer close(out)

		if e.scanner != nil {
			e.scanner.CancelScan()
		}

		stream, err := e.transport.Dial(ctx, peer.Address, serviceID)
		if err != nil {
			if stream != nil {
				_ = stream.Close()
			}
			if ctx.Err() != nil {
				return
			}
			e.emit(ctx, out, ConnectionOutcome{Type: OutcomeError, Peer: peer, Err: fmt.Errorf("connection was interrupted: %w", err)})
			return
		}

		if remote := remotePeerOf(stream); remote.DisplayName != "" && peer.DisplayName == "" {
			peer.DisplayName = remote.DisplayName
		}
		e.serve(ctx, out, stream, peer)
	}()

	return out
}

// serve owns the channel for the life of the session and releases it on every exit.
func (e *Establisher) serve(ctx context.Context, out chan<- ConnectionOutcome, stream io.ReadWriteCloser, peer models.PeerDevice) {
	channel := NewFramedChannel(stream, e.cipher, ChannelOptions{
		MaxFrameBytes: e.maxFrameBytes,
		Logger:        e.logger,
	})
	defer func() {
		_ = channel.Close()
	}()

	// Cancellation interrupts a blocked read by closing the stream.
	stop := context.AfterFunc(ctx, func() {
		_ = channel.Close()
	})
	defer stop()

	if !e.emit(ctx, out, ConnectionOutcome{Type: OutcomeEstablished, Peer: peer, Channel: channel}) {
		return
	}

	log := e.logger.WithFields(logrus.Fields{
		"function": "serve",
		"peer":     peer.Address,
	})
	log.Info("Session established")

	for plaintext, err := range channel.Frames() {
		if err != nil {
			if ctx.Err() != nil || channel.Closed() {
				log.Debug("Receive loop stopped by local close")
				return
			}
			log.WithField("error", err.Error()).Warn("Receive loop failed")
			e.emit(ctx, out, ConnectionOutcome{Type: OutcomeError, Peer: peer, Err: err})
			return
		}

		message := DecodeMessage(plaintext, false)
		message.Timestamp = time.Now().UnixMilli()
		if !e.emit(ctx, out, ConnectionOutcome{Type: OutcomeTransferSucceeded, Peer: peer, Message: message}) {
			return
		}
	}
	log.Info("Peer closed the stream")
}

func (e *Establisher) emit(ctx context.Context, out chan<- ConnectionOutcome, outcome ConnectionOutcome) bool {
	select {
	case out <- outcome:
		return true
	case <-ctx.Done():
		return false
	}
}
