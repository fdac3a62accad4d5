// Package daemon runs the sync engine on a schedule and reloads
// configuration when the config file changes on disk.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// ConfigPath is the application config file watched for changes.
	ConfigPath string

	// SyncInterval is how often a sync pass runs.
	SyncInterval time.Duration

	// DebounceInterval batches rapid config-file writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates periodic sync passes and config reload.
type Daemon struct {
	engine *engine.Engine
	store  *store.Store
	config *Config

	watcher *fsnotify.Watcher
}

// New creates a Daemon. Use Start to begin the sync loop.
func New(eng *engine.Engine, st *store.Store, cfg *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		engine:  eng,
		store:   st,
		config:  cfg,
		watcher: watcher,
	}, nil
}

// Start runs the daemon until ctx is cancelled.
//
// The daemon performs an immediate sync pass, then syncs every
// SyncInterval. Writes to the config file adjust the interval on the fly.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")
	defer d.watcher.Close()

	if d.config.ConfigPath != "" {
		// Watch the directory: editors replace files on save, which drops
		// a watch placed on the file itself.
		if err := d.watcher.Add(filepath.Dir(d.config.ConfigPath)); err != nil {
			d.config.Logger.Printf("WARNING: cannot watch config directory: %v", err)
		} else {
			d.config.Logger.Printf("Watching config: %s", d.config.ConfigPath)
		}
	}

	d.runSync(ctx)

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	var reloadTimer *time.Timer
	reloadCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Shutdown signal received")
			return nil

		case <-ticker.C:
			d.runSync(ctx)

		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != d.config.ConfigPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Debounce: editors fire several events per save.
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(d.config.DebounceInterval, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			if interval, changed := d.reload(); changed {
				ticker.Reset(interval)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// reload re-reads the config file and reports the (possibly new) sync
// interval and whether it changed.
func (d *Daemon) reload() (time.Duration, bool) {
	cfg, err := config.Load(d.config.ConfigPath)
	if err != nil {
		d.config.Logger.Printf("WARNING: config reload failed: %v", err)
		return d.config.SyncInterval, false
	}

	if cfg.SyncInterval == d.config.SyncInterval {
		return d.config.SyncInterval, false
	}

	d.config.Logger.Printf("Sync interval changed: %s -> %s", d.config.SyncInterval, cfg.SyncInterval)
	d.config.SyncInterval = cfg.SyncInterval
	return cfg.SyncInterval, true
}

// runSync runs one engine pass over all stored accounts. Failures are
// logged, never fatal to the loop.
func (d *Daemon) runSync(ctx context.Context) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to list accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		d.config.Logger.Println("No accounts configured, skipping sync pass")
		return
	}

	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}

	start := time.Now()
	report, err := d.engine.Sync(ctx, ids)
	if err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			d.config.Logger.Println("Previous sync still running, skipping this pass")
			return
		}
		d.config.Logger.Printf("WARNING: sync pass failed: %v", err)
		return
	}

	d.config.Logger.Printf("Sync pass done in %v: created=%d updated=%d deleted=%d conflicts=%d flushed=%d",
		time.Since(start).Round(time.Millisecond),
		report.EventsCreated, report.EventsUpdated, report.EventsDeleted,
		report.ConflictsRaised, report.Flush.Flushed)
}
