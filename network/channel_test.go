package network

import (
	"bytes"
	"io"
	"net"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// oneByteStream serves reads one byte at a time.
type oneByteStream struct {
	io.Reader
}

func (s *oneByteStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *oneByteStream) Close() error                { return nil }

func TestFramedChannelExchange(t *testing.T) {
	cipher := testCipher(t)
	left, right := net.Pipe()

	sender := NewFramedChannel(left, cipher, ChannelOptions{})
	receiver := NewFramedChannel(right, cipher, ChannelOptions{})
	defer func() {
		_ = sender.Close()
		_ = receiver.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		if err := sender.SendFrame([]byte("Pixel#one")); err != nil {
			return err
		}
		return sender.SendFrame([]byte("Pixel#two"))
	})

	first, err := receiver.Receive()
	require.NoError(t, err)
	second, err := receiver.Receive()
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	assert.Equal(t, "Pixel#one", string(first))
	assert.Equal(t, "Pixel#two", string(second))
}

func TestFramedChannelPassesThroughUndecryptablePayload(t *testing.T) {
	cipher := testCipher(t)
	left, right := net.Pipe()
	receiver := NewFramedChannel(right, cipher, ChannelOptions{})
	defer func() {
		_ = left.Close()
		_ = receiver.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		return WriteFrame(left, []byte("Legacy#plain text"), 0)
	})

	got, err := receiver.Receive()
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, "Legacy#plain text", string(got))
}

func TestFramedChannelReassemblesByteByByte(t *testing.T) {
	cipher := testCipher(t)

	var wire bytes.Buffer
	payload, err := cipher.Encrypt([]byte("Pixel#split across reads"))
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&wire, payload, 0))

	stream := &oneByteStream{Reader: iotest.OneByteReader(&wire)}
	channel := NewFramedChannel(stream, cipher, ChannelOptions{})

	got, err := channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, "Pixel#split across reads", string(got))
}

func TestFramedChannelFramesStopsOnCleanClose(t *testing.T) {
	cipher := testCipher(t)
	left, right := net.Pipe()
	receiver := NewFramedChannel(right, cipher, ChannelOptions{})
	sender := NewFramedChannel(left, cipher, ChannelOptions{})
	defer func() { _ = receiver.Close() }()

	var g errgroup.Group
	g.Go(func() error {
		for _, body := range []string{"a#1", "a#2", "a#3"} {
			if err := sender.SendFrame([]byte(body)); err != nil {
				return err
			}
		}
		return sender.Close()
	})

	var got []string
	for plaintext, err := range receiver.Frames() {
		require.NoError(t, err)
		got = append(got, string(plaintext))
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []string{"a#1", "a#2", "a#3"}, got)
}

func TestFramedChannelFramesYieldsMidFrameClose(t *testing.T) {
	cipher := testCipher(t)
	left, right := net.Pipe()
	receiver := NewFramedChannel(right, cipher, ChannelOptions{})
	defer func() { _ = receiver.Close() }()

	var g errgroup.Group
	g.Go(func() error {
		if _, err := left.Write(lengthHeader(64)); err != nil {
			return err
		}
		if _, err := left.Write([]byte("partial")); err != nil {
			return err
		}
		return left.Close()
	})

	var errs []error
	for _, err := range receiver.Frames() {
		errs = append(errs, err)
	}
	require.NoError(t, g.Wait())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTransferFailed)
}

func TestFramedChannelRejectsOversizedSend(t *testing.T) {
	cipher := testCipher(t)
	left, right := net.Pipe()
	defer func() { _ = right.Close() }()

	channel := NewFramedChannel(left, cipher, ChannelOptions{MaxFrameBytes: 64})
	defer func() { _ = channel.Close() }()

	err := channel.SendFrame(bytes.Repeat([]byte("x"), 256))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramedChannelCloseIsIdempotent(t *testing.T) {
	left, right := net.Pipe()
	defer func() { _ = right.Close() }()

	channel := NewFramedChannel(left, testCipher(t), ChannelOptions{})
	require.False(t, channel.Closed())

	_ = channel.Close()
	_ = channel.Close()

	assert.True(t, channel.Closed())
	select {
	case <-channel.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	assert.ErrorIs(t, channel.SendFrame([]byte("a#b")), net.ErrClosed)
}
