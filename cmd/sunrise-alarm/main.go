package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/scheduler"
)

type options struct {
	server    string
	player    string
	soundsDir string
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "sunrise-alarm",
		Short:        "Poll the sunrise server every minute and ring when an alarm fires",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlarm(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("SUNRISE_SERVER", "http://localhost:5000"), "base URL of the sunrise server")
	flags.StringVar(&opts.player, "player", envOr("SUNRISE_PLAYER", scheduler.DefaultPlayerCommand), "command used to play a sound")
	flags.StringVar(&opts.soundsDir, "sounds-dir", os.Getenv("SUNRISE_SOUNDS_DIR"), "play sounds from this directory instead of the server")
	flags.DurationVar(&opts.timeout, "timeout", 50*time.Second, "timeout of a single alarm check")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run one alarm check and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			d, err := scheduler.NewHTTPChecker(opts.server, opts.timeout).Check(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(d)
		},
	})
	return root
}

func runAlarm(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := scheduler.NewExecBackend(opts.player, opts.soundsDir, opts.server)
	if err != nil {
		return err
	}
	player := scheduler.NewPlayer(backend, logger, scheduler.WithStatusOutput(out))
	defer player.Stop()

	s := scheduler.New(
		scheduler.NewHTTPChecker(opts.server, opts.timeout),
		player,
		logger,
		scheduler.WithCheckTimeout(opts.timeout),
	)
	s.Start()
	defer s.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Polling %s every minute. Type \"stop\" to silence a ringing alarm.\n", opts.server)
	go readCommands(in, player, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// readCommands silences the player whenever a "stop" line is read.
func readCommands(in io.Reader, player *scheduler.Player, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "stop", "s":
			if err := player.Stop(); err != nil {
				logger.Warn("stopping player failed", zap.Error(err))
			}
		case "":
		default:
			logger.Info("unknown command, type \"stop\"")
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
