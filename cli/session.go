package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bluechat/chat"
	"bluechat/models"
	"bluechat/network"
)

var (
	errQuit         = errors.New("cli: quit")
	errSessionEnded = errors.New("cli: session ended")
)

const sessionHelp = `Type a message and press Enter to send it.
  /send <path>   send a file
  /name <name>   name this chat
  /quit          disconnect and exit
`

// sessionView tracks what has already been printed for one session.
type sessionView struct {
	out       io.Writer
	connected bool
	printed   int
}

// apply prints whatever state adds to the view. It returns errSessionEnded
// once a session that was up goes down, or the connect error if it never
// came up.
func (v *sessionView) apply(state chat.ConnectionState) error {
	if state.IsConnected {
		if !v.connected {
			v.connected = true
			v.printed = 0
			fmt.Fprintf(v.out, "Connected to %s\n", state.Peer.Label())
		}
		if v.printed > len(state.Messages) {
			v.printed = 0
		}
		for _, message := range state.Messages[v.printed:] {
			fmt.Fprintln(v.out, formatMessage(message))
		}
		v.printed = len(state.Messages)
		return nil
	}

	if state.IsConnecting {
		return nil
	}
	if v.connected {
		v.connected = false
		if state.LastError != "" {
			fmt.Fprintf(v.out, "Session ended: %s\n", state.LastError)
		} else {
			fmt.Fprintln(v.out, "Session ended")
		}
		return errSessionEnded
	}
	if state.LastError != "" {
		return fmt.Errorf("connect: %s", state.LastError)
	}
	return nil
}

func formatMessage(message models.ChatMessage) string {
	stamp := time.UnixMilli(message.Timestamp).Format("15:04:05")
	who := message.SenderLabel
	if message.OriginatedLocally {
		who = "you"
	}
	if !message.IsFile {
		return fmt.Sprintf("[%s] %s: %s", stamp, who, message.Body)
	}
	line := fmt.Sprintf("[%s] %s sent file %s", stamp, who, message.FileName)
	if message.LocalStoragePath != "" {
		line += " -> " + message.LocalStoragePath
	}
	return line
}

// runSession renders session state and forwards input lines until the user
// quits, the session ends or ctx is cancelled.
func runSession(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	updates, cancel := a.orchestrator.Subscribe()
	defer cancel()
	defer a.orchestrator.DisconnectFromDevice()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(out, sessionHelp)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		view := &sessionView{out: out}
		for {
			select {
			case <-gctx.Done():
				return nil
			case state, ok := <-updates:
				if !ok {
					return nil
				}
				if err := view.apply(state); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleInput(a, line, out); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

// handleInput acts on one input line. Send failures are reported and the
// session goes on.
func handleInput(a *app, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case line == "":
		return nil
	case command == "/quit":
		return errQuit
	case command == "/help":
		fmt.Fprint(out, sessionHelp)
		return nil
	case command == "/send":
		if arg == "" {
			fmt.Fprintln(out, "usage: /send <path>")
			return nil
		}
		limit := network.MaxFileBytes(a.cfg.MaxFrameBytes, a.orchestrator.LocalDisplayName(), filepath.Base(arg))
		if limit <= 0 {
			fmt.Fprintf(out, "send failed: a %d-byte frame cannot carry a file\n", a.cfg.MaxFrameBytes)
			return nil
		}
		data, err := readFileWithProgress(arg, limit, out)
		if err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
			return nil
		}
		reportSendError(out, a.orchestrator.SendFile(filepath.Base(arg), data))
		return nil
	case command == "/name":
		peer := a.orchestrator.State().Peer
		if peer.Address == "" || arg == "" {
			fmt.Fprintln(out, "usage: /name <name> while connected")
			return nil
		}
		if err := a.store.SetChatName(peer.Address, arg); err != nil {
			fmt.Fprintf(out, "rename failed: %v\n", err)
		}
		return nil
	default:
		reportSendError(out, a.orchestrator.SendMessage(line))
		return nil
	}
}

func reportSendError(out io.Writer, err error) {
	switch {
	case err == nil:
	case errors.Is(err, network.ErrNotConnected):
		fmt.Fprintln(out, "not connected yet")
	default:
		fmt.Fprintf(out, "send failed: %v\n", err)
	}
}
