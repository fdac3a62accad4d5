// Command calmirror maintains a locally-writable, offline-capable replica
// of remote calendars across multiple accounts.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/credentials"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/retry"
	"github.com/calmirror/calmirror/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "calmirror",
	Short: "Offline-capable local replica of remote calendars",
	Long: `calmirror keeps a local, writable copy of your remote calendars.

Local edits work offline: they are queued and replayed against the remote
service once connectivity is available, with conflicts surfaced for
explicit resolution instead of silent overwrites.`,
}

func main() {
	// Load .env first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(calendarsCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(eventsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles the wired application for command handlers.
type env struct {
	cfg    *config.Config
	store  *store.Store
	creds  *credentials.FileProvider
	engine *engine.Engine
}

// openEnv wires the store, gateway, and engine from configuration. A nil
// logger means stderr. The caller must call close when done.
func openEnv(logger *log.Logger) (*env, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	creds := credentials.NewFileProvider(cfg.TokenDir, cfg.GoogleClientID, cfg.GoogleClientSecret)

	refFor := func(ctx context.Context, accountID string) (string, error) {
		account, err := st.GetAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		return account.CredentialRef, nil
	}
	gateway := remote.NewGoogleGateway(creds, refFor, logger)

	eng := engine.New(engine.Config{
		Store:   st,
		Gateway: gateway,
		Policy:  retry.DefaultPolicy(),
		Logger:  logger,
		Workers: cfg.Workers,
	})

	e := &env{cfg: cfg, store: st, creds: creds, engine: eng}
	return e, func() { _ = st.Close() }, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
