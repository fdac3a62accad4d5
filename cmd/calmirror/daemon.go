package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuous background sync",
	Long: `Run sync passes on an interval until interrupted. The config file is
watched for changes and reloaded without restarting. Set log_file in the
config to route logs to a rotating file instead of stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Peek at the config for log routing before wiring anything, so
		// that every component shares the same writer.
		logger, closeLog, err := daemonLogger()
		if err != nil {
			fatal("%v", err)
		}
		defer closeLog()

		e, closeEnv, err := openEnv(logger)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		d, err := daemon.New(e.engine, e.store, &daemon.Config{
			ConfigPath:   configPath,
			SyncInterval: e.cfg.SyncInterval,
			Logger:       logger,
		})
		if err != nil {
			fatal("starting daemon: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("calmirror daemon started (interval %s). Press Ctrl+C to stop.\n", e.cfg.SyncInterval)
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fatal("daemon: %v", err)
		}
		fmt.Println("daemon stopped")
	},
}

// daemonLogger builds the daemon's logger from config: a rotating file when
// log_file is set, stderr otherwise.
func daemonLogger() (*log.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LogFile == "" {
		return log.New(os.Stderr, "[calmirror] ", log.LstdFlags), func() {}, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return log.New(rotator, "[calmirror] ", log.LstdFlags), func() { _ = rotator.Close() }, nil
}
