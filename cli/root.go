// Package cli is the command-line shell around the chat orchestrator.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	dataDir  string
	logLevel string
	logOut   io.Writer
}

// withApp opens the app around run and closes it afterwards, whatever run returns.
func (o *rootOptions) withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := openApp(o.dataDir, o.logLevel, o.logOut)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, a.Close())
		}()
		return run(cmd, args, a)
	}
}

// Execute runs the command tree until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{logOut: errOut}

	root := &cobra.Command{
		Use:           "bluechat",
		Short:         "Peer-to-peer chat over an encrypted framed link",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (default is the per-user config dir, or $BLUECHAT_DATA_DIR)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides the configured one")

	root.AddCommand(
		listenCmd(opts),
		connectCmd(opts),
		scanCmd(opts),
		peersCmd(opts),
		historyCmd(opts),
		renameCmd(opts),
		infoCmd(opts),
	)
	return root
}
