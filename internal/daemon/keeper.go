package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
)

// Validator is the slice of the protection engine the daemon drives.
type Validator interface {
	RequestValidation(ctx context.Context)
	ValidateAll(ctx context.Context) []domain.ValidationResult
	Stop()
}

// KeeperConfig holds daemon configuration.
type KeeperConfig struct {
	HeartbeatInterval time.Duration // how often to refresh the state file
}

// DefaultKeeperConfig returns default daemon configuration.
func DefaultKeeperConfig() KeeperConfig {
	return KeeperConfig{
		HeartbeatInterval: 30 * time.Second,
	}
}

// Keeper is the protection daemon. It runs an initial validation pass,
// then lets the change observer drive the engine until shutdown.
type Keeper struct {
	config    KeeperConfig
	validator Validator
	observer  *Observer
	states    domain.StateStore
	prefs     domain.PreferenceSource
	version   string
	logger    *zap.Logger
}

// NewKeeper creates the protection daemon.
func NewKeeper(
	config KeeperConfig,
	validator Validator,
	observer *Observer,
	states domain.StateStore,
	prefs domain.PreferenceSource,
	version string,
	logger *zap.Logger,
) *Keeper {
	return &Keeper{
		config:    config,
		validator: validator,
		observer:  observer,
		states:    states,
		prefs:     prefs,
		version:   version,
		logger:    logger,
	}
}

// Run starts the daemon loop. Blocks until the context is canceled.
func (k *Keeper) Run(ctx context.Context) error {
	state := domain.DaemonState{
		Version:       1,
		PID:           os.Getpid(),
		StartedAt:     time.Now().Unix(),
		LastHeartbeat: time.Now().Unix(),
		AppVersion:    k.version,
	}
	if err := k.states.Register(state); err != nil {
		k.logger.Error("failed to register daemon state", zap.Error(err))
		return err
	}
	defer func() {
		if err := k.states.Clear(); err != nil {
			k.logger.Warn("failed to clear daemon state", zap.Error(err))
		}
	}()

	k.logger.Info("protection daemon started",
		zap.Int("pid", state.PID),
		zap.String("version", k.version))

	prefs := k.prefs.Preferences()
	if prefs.MonitoringEnabled {
		if err := k.observer.Start(); err != nil {
			return err
		}
		defer k.observer.Stop()
	} else {
		k.logger.Info("monitoring disabled by preferences, observer not started")
	}
	defer k.validator.Stop()

	// Validate everything once up front: the daemon may have been down
	// while associations changed.
	k.validator.ValidateAll(ctx)

	heartbeat := time.NewTicker(k.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("protection daemon stopping")
			return ctx.Err()

		case <-heartbeat.C:
			if err := k.states.Heartbeat(); err != nil {
				k.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}
