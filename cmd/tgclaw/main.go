package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linkerlin/tgclaw/internal/config"
	"github.com/linkerlin/tgclaw/internal/logging"
	"github.com/linkerlin/tgclaw/internal/orchestrator"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tgclaw",
		Short:         "Telegram assistant with scheduled tasks and per-group agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $TGCLAW_HOME/config.yaml)")

	root.AddCommand(
		&cobra.Command{Use: "run", Short: "Run the bot (default)", RunE: runServe},
		authCmd(),
		chatIDCmd(),
		registerCmd(),
		tasksCmd(),
		configCmd(),
		statusCmd(),
	)
	return root
}

// load reads the configuration and builds the process logger.
func load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return errors.New(tokenHelp)
	}

	app, err := orchestrator.New(cfg, log, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	}
	err = app.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info().Msg("shutdown complete")
	return err
}

const tokenHelp = `telegram bot token is not set

  1. Open Telegram and talk to @BotFather
  2. Send /newbot and follow the prompts
  3. Export the token:  export TELEGRAM_BOT_TOKEN=<token>
     or set telegram.token in the config file`
