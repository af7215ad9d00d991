package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/worker"
)

// workerCmd is the process side of watch mode. The supervisor starts it with
// the IPC pipes on descriptors 3 and 4; it is not meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a supervised mock server (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	channel, err := ipc.OpenInherited()
	if err != nil {
		return err
	}
	defer channel.Close()

	// READY goes out before any other setup.
	if err := worker.Announce(channel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = config.DefaultLogLevel
	}
	if format == "" {
		format = config.DefaultLogFormat
	}

	logger, closer, err := logging.Setup(level, format, "", "worker")
	if err != nil {
		err = errors.WrapConfig(err, errors.CodeInvalidConfig, "invalid logging settings")
		_ = channel.Send(ipc.Fatal(errors.FormatError(err)))
		return err
	}
	defer closer.Close()

	runner := worker.NewRunner(channel, bootServer(logger), logger).Announced()
	if code := runner.Run(ctx); code != worker.ExitOK {
		return &errors.ExitError{Code: code}
	}
	return nil
}
