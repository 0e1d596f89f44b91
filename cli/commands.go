package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bluechat/models"
	"bluechat/storage"
)

func listenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Wait for one peer to connect, then chat",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.orchestrator.WaitForIncomingConnections(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is waiting for a connection\n", a.orchestrator.LocalDisplayName())
			return runSession(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		}),
	}
}

func connectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a peer and chat",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			peer := knownPeer(a, args[0])
			if err := a.orchestrator.ConnectToDevice(peer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s\n", peer.Label())
			return runSession(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		}),
	}
}

// knownPeer returns the bonded entry for address, or a bare device.
func knownPeer(a *app, address string) models.PeerDevice {
	bonded, err := a.store.BondedPeers()
	if err == nil {
		for _, peer := range bonded {
			if peer.Address == address {
				return peer
			}
		}
	}
	return models.PeerDevice{Address: address}
}

func scanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby peers until the scan times out",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			out := cmd.OutOrStdout()

			updates, cancel := a.orchestrator.Subscribe()
			defer cancel()

			if err := a.orchestrator.StartScan(); err != nil {
				return err
			}
			defer a.orchestrator.StopScan()
			fmt.Fprintf(out, "Scanning for %s\n", a.cfg.ScanTimeout())

			seen := make(map[string]bool)
			started := false
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case state, ok := <-updates:
					if !ok {
						return nil
					}
					for _, peer := range state.ScannedPeers {
						if seen[peer.Address] {
							continue
						}
						seen[peer.Address] = true
						fmt.Fprintf(out, "  %s\t%s\n", peer.Address, peer.Label())
					}
					if state.IsScanning {
						started = true
					} else if started {
						fmt.Fprintf(out, "Scan finished, %d peer(s) found\n", len(seen))
						return nil
					}
				}
			}
		}),
	}
}

func peersCmd(opts *rootOptions) *cobra.Command {
	var forget string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers this device has connected to",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			out := cmd.OutOrStdout()
			if forget != "" {
				if err := a.store.RemoveBondedPeer(forget); err != nil {
					return err
				}
				fmt.Fprintf(out, "Forgot %s\n", forget)
				return nil
			}

			peers, err := a.store.BondedPeers()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Fprintln(out, "No known peers")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tNAME\tCHAT")
			for _, peer := range peers {
				chatName, err := a.store.ChatName(peer.Address)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Address, peer.Label(), chatName)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&forget, "forget", "", "remove a peer from the known list")
	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var (
		showFiles  bool
		showEvents bool
		clearAll   bool
	)

	cmd := &cobra.Command{
		Use:   "history <address>",
		Short: "Show the stored conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			address := args[0]
			out := cmd.OutOrStdout()

			if clearAll {
				removed, err := a.store.DeleteMessages(address)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %d message(s)\n", removed)
				return nil
			}

			messages, err := a.store.LoadMessages(address)
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				fmt.Fprintln(out, "No messages")
			}
			for _, message := range messages {
				fmt.Fprintln(out, formatMessage(message))
			}

			if showFiles {
				if err := printFiles(out, a.store, address); err != nil {
					return err
				}
			}
			if showEvents {
				if err := printSessionEvents(out, a.store, address); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&showFiles, "files", false, "also list stored files")
	cmd.Flags().BoolVar(&showEvents, "events", false, "also list session events")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete the stored messages instead of showing them")
	return cmd
}

func printFiles(out io.Writer, store *storage.Store, address string) error {
	files, err := store.ListFiles(address)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nFiles (%d):\n", len(files))
	for _, file := range files {
		fmt.Fprintf(out, "  %s  %s  %d bytes  %s\n",
			time.UnixMilli(file.StoredAt).Format(time.DateTime), file.FileName, file.SizeBytes, file.StoredPath)
	}
	return nil
}

func printSessionEvents(out io.Writer, store *storage.Store, address string) error {
	events, err := store.SessionEvents(address, 50)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSession events (%d):\n", len(events))
	for _, event := range events {
		line := fmt.Sprintf("  %s  %-8s %s", time.UnixMilli(event.Timestamp).Format(time.DateTime), event.Severity, event.EventType)
		if event.Details != "" {
			line += ": " + event.Details
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func renameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <address> <name>",
		Short: "Name the chat with a peer",
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.store.SetChatName(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat with %s is now %q\n", args[0], args[1])
			return nil
		}),
	}
}

func infoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print local device settings",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", a.cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", a.orchestrator.LocalDisplayName())
			fmt.Fprintf(out, "Service ID:      %s\n", a.cfg.ServiceID)
			fmt.Fprintf(out, "Listen Address:  %s\n", a.cfg.ListenAddress())
			fmt.Fprintf(out, "Discovery:       %t\n", a.lan.DiscoveryPermitted())
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
			fmt.Fprintf(out, "Database File:   %s\n", a.dbPath)
			fmt.Fprintf(out, "Files Directory: %s\n", a.store.FilesDir())
			return nil
		}),
	}
}
