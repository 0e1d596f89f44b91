package network

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"bluechat/crypto"
)

// ChannelOptions controls a FramedChannel.
type ChannelOptions struct {
	MaxFrameBytes int
	Logger        logrus.FieldLogger
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	out := o
	if out.MaxFrameBytes <= 0 {
		out.MaxFrameBytes = MaxFrameBytes
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type flusher interface {
	Flush() error
}

// FramedChannel carries encrypted, length-prefixed messages over a raw duplex stream.
type FramedChannel struct {
	stream io.ReadWriteCloser
	cipher *crypto.CipherContext

	maxFrameBytes int
	logger        logrus.FieldLogger

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewFramedChannel wraps stream. The channel takes ownership of it.
func NewFramedChannel(stream io.ReadWriteCloser, cipher *crypto.CipherContext, options ChannelOptions) *FramedChannel {
	opts := options.withDefaults()
	return &FramedChannel{
		stream:        stream,
		cipher:        cipher,
		maxFrameBytes: opts.MaxFrameBytes,
		logger:        opts.Logger,
		closed:        make(chan struct{}),
	}
}

// SendFrame encrypts plaintext and writes it as one frame. ErrEncryptFailed and
// ErrFrameTooLarge are returned before any byte reaches the stream.
func (c *FramedChannel) SendFrame(plaintext []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	payload, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	if len(payload) > c.maxFrameBytes {
		return ErrFrameTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := WriteFrame(c.stream, payload, c.maxFrameBytes); err != nil {
		return err
	}
	if f, ok := c.stream.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}

// Receive blocks until one full frame is read and returns its plaintext.
//
// io.EOF means the stream closed cleanly between frames. A payload that fails to
// decrypt is returned as-is; older peers and misconfigured keys still get through.
func (c *FramedChannel) Receive() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	payload, err := ReadFrame(c.stream, c.maxFrameBytes)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.cipher.Decrypt(payload)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "Receive",
			"bytes":    len(payload),
			"error":    err.Error(),
		}).Warn("Frame did not decrypt, passing payload through")
		return payload, nil
	}
	return plaintext, nil
}

// Frames returns a single-use sequence of received plaintexts. It stops quietly
// on a clean close and yields one terminal error otherwise.
func (c *FramedChannel) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			plaintext, err := c.Receive()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(plaintext, nil) {
				return
			}
		}
	}
}

// Close releases the underlying stream. Safe to call more than once.
func (c *FramedChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
		close(c.closed)
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *FramedChannel) Done() <-chan struct{} {
	return c.closed
}

// Closed reports whether Close has been called.
func (c *FramedChannel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
