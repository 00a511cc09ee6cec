package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/replybot/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "[replybot] %v\n", err)
		stop()
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logJSON    bool
	logLevel   string
	autoSend   bool
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "replybot",
		Short: "Answer chat conversations on your behalf after a quiet period",
		Long: `replybot polls the configured conversations, waits until a participant
has stopped typing, drafts a reply with a language model and sends it,
either directly or after confirmation on the console.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)

			log, err := newLogger(errOut, cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log, in, out)
			if err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a replybot.yaml config file")
	cmd.Flags().BoolVar(&flags.logJSON, "log-json", false, "write logs as JSON lines")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.autoSend, "auto-send", false, "send replies without asking for confirmation")
	return cmd
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags rootFlags) {
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = flags.logJSON
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("auto-send") && flags.autoSend {
		cfg.Delivery = config.DeliveryAuto
	}
}

func newLogger(w io.Writer, level string, asJSON bool) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if !asJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "replybot").Logger(), nil
}
