// Package daemon implements the protection daemon and its change observer.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
	"github.com/defkeep/defkeep/internal/metrics"
)

// Observer trigger sources, reported to the tick callback.
const (
	TickDatabaseWatch = "database-watch"
	TickPoll          = "poll"
	TickAppLaunch     = "app-launch"
)

// ObserverConfig holds change observer configuration.
type ObserverConfig struct {
	// DatabasePath is the launch services association database file.
	// Empty selects the per-user default.
	DatabasePath string

	PollInterval       time.Duration // fallback poll; callers clamp user values to [5s, 60s]
	LaunchScanInterval time.Duration // how often to snapshot running PIDs
	LaunchTickDelay    time.Duration // delay between a new PID and its tick
}

// DefaultObserverConfig returns default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		PollInterval:       15 * time.Second,
		LaunchScanInterval: 2 * time.Second,
		LaunchTickDelay:    3 * time.Second,
	}
}

// DefaultDatabasePath returns the per-user launch services database
// location.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home,
		"Library", "Preferences", "com.apple.LaunchServices",
		"com.apple.launchservices.secure.plist")
}

// Observer produces a best-effort "something may have changed" signal
// from three OR-composed triggers: a watch on the association database
// file, an unconditional timed poll, and an application-launch
// heuristic. It guarantees recall, never completeness; consumers must
// tolerate duplicate and concurrent ticks.
type Observer struct {
	config ObserverConfig
	pm     domain.ProcessManager
	onTick func(source string)
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewObserver creates a change observer. onTick may be invoked from
// multiple goroutines concurrently.
func NewObserver(config ObserverConfig, pm domain.ProcessManager, onTick func(source string), logger *zap.Logger) *Observer {
	if config.DatabasePath == "" {
		config.DatabasePath = DefaultDatabasePath()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultObserverConfig().PollInterval
	}
	return &Observer{
		config: config,
		pm:     pm,
		onTick: onTick,
		logger: logger,
	}
}

// Start launches the three trigger loops. Idempotent: starting an
// already-started observer is a logged no-op.
func (o *Observer) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		o.logger.Info("observer already started")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.started = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// The poll backstop still gives correctness without the watch.
		o.logger.Warn("database watch unavailable, relying on poll", zap.Error(err))
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(o.config.DatabasePath)); err != nil {
		o.logger.Warn("failed to watch association database directory",
			zap.String("path", o.config.DatabasePath),
			zap.Error(err))
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		o.wg.Add(1)
		go o.watchLoop(ctx, watcher)
	}

	o.wg.Add(2)
	go o.pollLoop(ctx)
	go o.launchLoop(ctx)

	o.logger.Info("change observer started",
		zap.String("database", o.config.DatabasePath),
		zap.Duration("poll_interval", o.config.PollInterval),
		zap.Bool("database_watch", watcher != nil))

	return nil
}

// Stop shuts the trigger loops down. Idempotent.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		o.logger.Info("observer already stopped")
		return
	}
	o.started = false
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("change observer stopped")
}

// fire invokes the shared callback for one trigger source.
func (o *Observer) fire(source string) {
	metrics.ObserverTicks.WithLabelValues(source).Inc()
	o.logger.Debug("observer tick", zap.String("source", source))
	o.onTick(source)
}

// watchLoop forwards database file events. The watch is on the parent
// directory because the plist is replaced atomically: the path gets a
// Create/Rename, not a Write.
func (o *Observer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer o.wg.Done()
	defer watcher.Close()

	base := filepath.Base(o.config.DatabasePath)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			o.fire(TickDatabaseWatch)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn("database watch error", zap.Error(err))
		}
	}
}

// pollLoop fires unconditionally on a fixed interval as a correctness
// backstop against missed or suppressed watch events.
func (o *Observer) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.fire(TickPoll)
		}
	}
}

// launchLoop snapshots running PIDs and fires a delayed tick when new
// ones appear. Installers and first-run flows are a common point at
// which associations get silently rewritten.
func (o *Observer) launchLoop(ctx context.Context) {
	defer o.wg.Done()

	known := make(map[int32]struct{})
	if pids, err := o.pm.Pids(); err == nil {
		for _, pid := range pids {
			known[pid] = struct{}{}
		}
	}

	ticker := time.NewTicker(o.config.LaunchScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			pids, err := o.pm.Pids()
			if err != nil {
				o.logger.Debug("process snapshot failed", zap.Error(err))
				continue
			}

			current := make(map[int32]struct{}, len(pids))
			launched := false
			for _, pid := range pids {
				current[pid] = struct{}{}
				if _, ok := known[pid]; !ok {
					launched = true
				}
			}
			known = current

			if launched {
				timer := time.NewTimer(o.config.LaunchTickDelay)
				select {
				case <-timer.C:
					o.fire(TickAppLaunch)
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
		}
	}
}
