// Package usecase contains application business logic.
package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
	"github.com/defkeep/defkeep/internal/metrics"
)

// EngineConfig holds protection engine tuning.
type EngineConfig struct {
	MaxAttempts   int           // write attempts per recovery, including the first
	BackoffUnit   time.Duration // attempt n waits n*BackoffUnit before the next try
	RecoveryDelay time.Duration // delay before a scheduled recovery runs
	DebounceDelay time.Duration // debounce for external validate-now requests

	// SettingsBundleIDs are the system-settings applications. When one
	// of them is frontmost the user is probably changing an association
	// by hand, so immediate recovery degrades to delayed.
	SettingsBundleIDs []string
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:   3,
		BackoffUnit:   time.Second,
		RecoveryDelay: 5 * time.Second,
		DebounceDelay: 300 * time.Millisecond,
		SettingsBundleIDs: []string{
			"com.apple.systempreferences",
			"com.apple.SystemSettings",
		},
	}
}

type passState int

const (
	passIdle passState = iota
	passDebouncing
	passRunning
)

// recoveryTask is an in-flight, cancelable unit of delayed work.
// At most one pending task exists per identifier; a new trigger
// cancels and replaces the previous one.
type recoveryTask struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// Engine compares observed associations against the desired state and
// reverts unauthorized changes. It reads rules, never mutates them
// (MarkVerified excepted), and reports every outcome to the event log.
type Engine struct {
	config    EngineConfig
	store     domain.AssociationStore
	rules     domain.RuleSource
	prefs     domain.PreferenceSource
	events    domain.EventLog
	notifier  domain.Notifier        // optional
	frontmost domain.FrontmostProber // optional
	apps      domain.AppInfoResolver // optional
	logger    *zap.Logger

	mu         sync.Mutex
	validating map[string]struct{}
	delayed    map[string]*recoveryTask
	pass       passState
	rerun      bool
	entered    int64
	skipped    int64
}

// NewEngine creates a protection engine. notifier, frontmost, and apps
// may be nil.
func NewEngine(
	config EngineConfig,
	store domain.AssociationStore,
	rules domain.RuleSource,
	prefs domain.PreferenceSource,
	events domain.EventLog,
	notifier domain.Notifier,
	frontmost domain.FrontmostProber,
	apps domain.AppInfoResolver,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:     config,
		store:      store,
		rules:      rules,
		prefs:      prefs,
		events:     events,
		notifier:   notifier,
		frontmost:  frontmost,
		apps:       apps,
		logger:     logger,
		validating: make(map[string]struct{}),
		delayed:    make(map[string]*recoveryTask),
	}
}

// RequestValidation asks for a full validation pass. Requests are
// debounced and coalesced: at most one pass is in flight; a request
// arriving while one runs triggers exactly one more pass after it
// completes.
func (e *Engine) RequestValidation(ctx context.Context) {
	e.mu.Lock()
	switch e.pass {
	case passDebouncing:
		e.mu.Unlock()
		return
	case passRunning:
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.pass = passDebouncing
	e.mu.Unlock()

	go func() {
		timer := time.NewTimer(e.config.DebounceDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			e.mu.Lock()
			e.pass = passIdle
			e.rerun = false
			e.mu.Unlock()
			return
		}

		e.mu.Lock()
		e.pass = passRunning
		e.mu.Unlock()

		for {
			e.ValidateAll(ctx)

			e.mu.Lock()
			if e.rerun && ctx.Err() == nil {
				e.rerun = false
				e.mu.Unlock()
				continue
			}
			e.pass = passIdle
			e.rerun = false
			e.mu.Unlock()
			return
		}
	}()
}

// ValidateAll validates every enabled rule once. One rule's failure
// never stops the sweep of the others.
func (e *Engine) ValidateAll(ctx context.Context) []domain.ValidationResult {
	rules := e.rules.EnabledRules()
	results := make([]domain.ValidationResult, 0, len(rules))

	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		result := e.ValidateRule(ctx, rule)
		if result.Err != nil {
			e.logger.Warn("rule validation failed",
				zap.String("identifier", rule.FileType.Identifier),
				zap.Error(result.Err))
		}
		results = append(results, result)
	}

	return results
}

// ValidateRule checks one rule against the association store and, on
// divergence, applies the configured recovery strategy.
func (e *Engine) ValidateRule(ctx context.Context, rule domain.ProtectionRule) domain.ValidationResult {
	result := domain.ValidationResult{
		RuleID:         rule.ID,
		TypeIdentifier: rule.FileType.Identifier,
	}

	if !rule.Enabled {
		result.Err = domain.ErrRuleDisabled
		return result
	}

	if !e.beginValidation(rule.FileType.Identifier) {
		// A validation for this identifier is already in progress.
		// Skip, not queue: the next observer tick re-checks, and
		// validation itself is idempotent.
		result.Skipped = true
		return result
	}
	defer e.endValidation(rule.FileType.Identifier)

	metrics.ValidationsTotal.Inc()

	diverged, observed, err := e.checkDivergence(rule)
	if err != nil {
		result.Err = err
		return result
	}

	if !diverged {
		e.rules.MarkVerified(rule.ID, time.Now())
		return result
	}

	result.Diverged = true
	result.Observed = observed
	metrics.DetectionsTotal.Inc()
	e.record(domain.EventDetected, rule, observed, "")

	switch e.effectiveStrategy() {
	case domain.StrategyImmediate:
		if err := e.recover(ctx, rule, observed); err != nil {
			result.Err = err
		} else {
			result.Restored = true
		}

	case domain.StrategyDelayed:
		e.scheduleRecovery(rule, observed)
		result.Scheduled = true

	case domain.StrategyAskUser:
		// Detection is logged; resolution is left to the user.
	}

	return result
}

// checkDivergence reads the current handler for the rule's identifier
// and, for non-public identifiers, every sibling the extension maps
// to. Any sibling diverging counts as divergence for the whole rule.
func (e *Engine) checkDivergence(rule domain.ProtectionRule) (bool, string, error) {
	expected := rule.Application.BundleID

	current, err := e.store.DefaultApplication(rule.FileType.Identifier)
	if err != nil {
		return false, "", err
	}

	diverged := current != expected
	observed := current

	if !rule.FileType.IsPublic() {
		if ext := rule.FileType.PrimaryExtension(); ext != "" {
			siblings, err := e.store.IdentifiersForExtension(ext)
			if err != nil {
				e.logger.Debug("sibling enumeration failed",
					zap.String("extension", ext),
					zap.Error(err))
			}
			for _, sibling := range siblings {
				if sibling == rule.FileType.Identifier {
					continue
				}
				handler, err := e.store.DefaultApplication(sibling)
				if err != nil {
					// Dynamic identifiers come and go between the
					// enumeration and the read.
					continue
				}
				if handler != expected {
					diverged = true
					if observed == expected || observed == "" {
						observed = handler
					}
				}
			}
		}
	}

	return diverged, observed, nil
}

// effectiveStrategy resolves the strategy for this pass from the
// current preferences and the frontmost application.
func (e *Engine) effectiveStrategy() domain.RecoveryStrategy {
	p := e.prefs.Preferences()
	if !p.AutoRecovery {
		return domain.StrategyAskUser
	}

	strategy := p.Strategy
	if strategy == "" {
		strategy = domain.StrategyImmediate
	}

	if strategy == domain.StrategyImmediate && e.settingsFrontmost() {
		e.logger.Debug("system settings frontmost, deferring recovery")
		return domain.StrategyDelayed
	}

	return strategy
}

func (e *Engine) settingsFrontmost() bool {
	if e.frontmost == nil {
		return false
	}
	bundleID, err := e.frontmost.FrontmostBundleID()
	if err != nil {
		return false
	}
	for _, id := range e.config.SettingsBundleIDs {
		if bundleID == id {
			return true
		}
	}
	return false
}

// recover writes the expected application back and verifies the write
// by re-reading. Failed attempts retry with linearly increasing
// backoff up to the attempt cap.
func (e *Engine) recover(ctx context.Context, rule domain.ProtectionRule, observed string) error {
	identifier := rule.FileType.Identifier
	expected := rule.Application.BundleID

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		lastErr = e.attemptRestore(rule)
		if lastErr == nil {
			metrics.RestoresTotal.Inc()
			e.record(domain.EventRestored, rule, observed, "")
			e.rules.MarkVerified(rule.ID, time.Now())
			if e.notifier != nil {
				e.notifier.RecoverySucceeded(identifier, observed, expected)
			}
			return nil
		}

		e.logger.Warn("restore attempt failed",
			zap.String("identifier", identifier),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if !domain.IsRetryable(lastErr) || attempt == e.config.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*e.config.BackoffUnit); err != nil {
			lastErr = err
			break
		}
	}

	metrics.RestoreFailuresTotal.Inc()
	e.record(domain.EventRestoreFailed, rule, observed, lastErr.Error())
	if e.notifier != nil {
		e.notifier.RecoveryFailed(identifier, lastErr)
	}
	return lastErr
}

// attemptRestore performs one write plus verification re-read. The OS
// write call's own success signal is never trusted: a write that does
// not verify is a failure.
func (e *Engine) attemptRestore(rule domain.ProtectionRule) error {
	identifier := rule.FileType.Identifier
	expected := rule.Application.BundleID

	var err error
	if ext := rule.FileType.PrimaryExtension(); !rule.FileType.IsPublic() && ext != "" {
		err = e.store.SetDefaultApplicationForExtension(expected, ext, identifier)
	} else {
		err = e.store.SetDefaultApplication(expected, identifier)
	}
	if err != nil {
		return err
	}

	current, err := e.store.DefaultApplication(identifier)
	if err != nil {
		return err
	}
	if current != expected {
		return &domain.VerificationMismatchError{
			Identifier: identifier,
			Expected:   expected,
			Actual:     current,
		}
	}
	return nil
}

// scheduleRecovery queues a delayed recovery, canceling any pending
// task for the same identifier first. Only the most recent detection's
// recovery runs; earlier ones are superseded, not queued.
func (e *Engine) scheduleRecovery(rule domain.ProtectionRule, observed string) {
	identifier := rule.FileType.Identifier

	ctx, cancel := context.WithCancel(context.Background())
	task := &recoveryTask{cancel: cancel}
	task.timer = time.AfterFunc(e.config.RecoveryDelay, func() {
		e.mu.Lock()
		if e.delayed[identifier] == task {
			delete(e.delayed, identifier)
		}
		e.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		e.runScheduled(ctx, rule, observed)
	})

	e.mu.Lock()
	if prev, ok := e.delayed[identifier]; ok {
		prev.timer.Stop()
		prev.cancel()
	}
	e.delayed[identifier] = task
	e.mu.Unlock()
}

func (e *Engine) runScheduled(ctx context.Context, rule domain.ProtectionRule, observed string) {
	if !e.beginValidation(rule.FileType.Identifier) {
		// A live validation owns the identifier; the next tick re-checks.
		return
	}
	defer e.endValidation(rule.FileType.Identifier)

	if err := e.recover(ctx, rule, observed); err != nil {
		e.logger.Warn("delayed recovery failed",
			zap.String("identifier", rule.FileType.Identifier),
			zap.Error(err))
	}
}

// Stop cancels all pending delayed-recovery tasks.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for identifier, task := range e.delayed {
		task.timer.Stop()
		task.cancel()
		delete(e.delayed, identifier)
	}
}

func (e *Engine) beginValidation(identifier string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.validating[identifier]; busy {
		e.skipped++
		metrics.ValidationsSkipped.Inc()
		return false
	}
	e.validating[identifier] = struct{}{}
	e.entered++
	return true
}

func (e *Engine) endValidation(identifier string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.validating, identifier)
}

// Counters returns how many validations were entered vs skipped.
func (e *Engine) Counters() (entered, skipped int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entered, e.skipped
}

// PendingRecoveries returns how many delayed tasks are queued.
func (e *Engine) PendingRecoveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.delayed)
}

func (e *Engine) record(kind domain.EventKind, rule domain.ProtectionRule, observed, detail string) {
	entry := domain.LogEntry{
		Kind:           kind,
		TypeIdentifier: rule.FileType.Identifier,
		TypeName:       rule.FileType.DisplayName,
		FromBundleID:   observed,
		FromName:       e.appName(observed),
		ToBundleID:     rule.Application.BundleID,
		ToName:         rule.Application.Name,
		Detail:         detail,
		CreatedAt:      time.Now(),
	}
	e.events.Record(entry)
}

func (e *Engine) appName(bundleID string) string {
	if e.apps == nil || bundleID == "" {
		return ""
	}
	app, err := e.apps.Resolve(bundleID)
	if err != nil {
		return ""
	}
	return app.Name
}

// sleepCtx waits for the duration on a timer so the backoff is
// cancelable instead of tying up the goroutine unconditionally.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
