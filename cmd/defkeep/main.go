// Package main is the CLI entry point for defkeep.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/defkeep/defkeep/internal/config"
	"github.com/defkeep/defkeep/internal/daemon"
	"github.com/defkeep/defkeep/internal/domain"
	"github.com/defkeep/defkeep/internal/infra"
	"github.com/defkeep/defkeep/internal/metrics"
	"github.com/defkeep/defkeep/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "defkeep",
	Short: "Keeps your default applications yours",
	Long: `defkeep watches the macOS file-association database and reverts
silent changes to your chosen default applications. Installers and
first-run flows love to grab file types for themselves; defkeep
notices and puts your choice back.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start protection (launches the background daemon)",
	Long: `Starts the protection daemon in the background and installs a
LaunchAgent so it comes back after login.`,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the protection daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check protection status",
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one validation pass immediately",
	Long: `Validates every enabled rule right now, restoring hijacked
associations, without waiting for the daemon's next tick.`,
	RunE: runCheck,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage protection rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protection rules",
	RunE:  runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a protection rule",
	Long: `Adds a rule binding a uniform type identifier to the application
that should stay its default handler.

Example:
  defkeep rules add --uti com.adobe.pdf --ext pdf --name "PDF Document" --app com.apple.Preview`,
	RunE: runRulesAdd,
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id-or-uti>",
	Short: "Remove a protection rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesRemove,
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <id-or-uti>",
	Short: "Enable a protection rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], true) },
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <id-or-uti>",
	Short: "Disable a protection rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], false) },
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change protection preferences",
	Long: `Without flags, prints the current preferences. With flags, updates
them; the running daemon picks changes up on its next pass.`,
	RunE: runPrefs,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the protection event log",
	RunE:  runLog,
}

var logPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old event log entries",
	RunE:  runLogPrune,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden daemon command - the LaunchAgent and self-exec entry point.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	jsonOutput bool

	addUTI      string
	addExts     []string
	addTypeName string
	addApp      string
	addDisabled bool

	logKind   string
	logType   string
	logSearch string
	logLimit  int
	pruneDays int

	prefMonitoring   string
	prefAutoRecovery string
	prefStrategy     string
	prefPollSeconds  int
)

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rulesAddCmd.Flags().StringVar(&addUTI, "uti", "", "Uniform type identifier (required)")
	rulesAddCmd.Flags().StringSliceVar(&addExts, "ext", nil, "File extension hint (repeatable)")
	rulesAddCmd.Flags().StringVar(&addTypeName, "name", "", "Display name for the file type")
	rulesAddCmd.Flags().StringVar(&addApp, "app", "", "Bundle id of the expected application (required)")
	rulesAddCmd.Flags().BoolVar(&addDisabled, "disabled", false, "Create the rule disabled")
	_ = rulesAddCmd.MarkFlagRequired("uti")
	_ = rulesAddCmd.MarkFlagRequired("app")

	prefsCmd.Flags().StringVar(&prefMonitoring, "monitoring", "", "Enable or disable monitoring (on/off)")
	prefsCmd.Flags().StringVar(&prefAutoRecovery, "auto-recovery", "", "Enable or disable automatic recovery (on/off)")
	prefsCmd.Flags().StringVar(&prefStrategy, "strategy", "", "Recovery strategy (immediate/delayed/ask-user)")
	prefsCmd.Flags().IntVar(&prefPollSeconds, "poll", 0, "Poll interval in seconds (clamped to 5-60)")

	logCmd.Flags().StringVar(&logKind, "kind", "", "Filter by kind (detected/restored/restore-failed)")
	logCmd.Flags().StringVar(&logType, "uti", "", "Filter by type identifier")
	logCmd.Flags().StringVar(&logSearch, "search", "", "Free-text search over type and app names")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum entries to show")
	logPruneCmd.Flags().IntVar(&pruneDays, "days", 90, "Delete entries older than this many days")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRemoveCmd, rulesEnableCmd, rulesDisableCmd)
	logCmd.AddCommand(logPruneCmd)
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, checkCmd, rulesCmd, prefsCmd, logCmd, versionCmd, daemonCmd)
}

// logNotifier surfaces recovery outcomes to the daemon log. A UI host
// would replace this with banner notifications.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) RecoverySucceeded(identifier, previousApp, restoredApp string) {
	n.logger.Info("association restored",
		zap.String("identifier", identifier),
		zap.String("previous", previousApp),
		zap.String("restored", restoredApp))
}

func (n *logNotifier) RecoveryFailed(identifier string, err error) {
	n.logger.Error("association recovery failed",
		zap.String("identifier", identifier),
		zap.Error(err))
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	states := infra.NewFileStateStore(cfg.DataDir)

	if state, _ := states.Load(); state != nil && pm.IsRunning(state.PID) {
		fmt.Println("defkeep is already running")
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	launchd := infra.NewLaunchdManager(cfg.DataDir)
	switch {
	case !launchd.IsInstalled():
		if err := launchd.Install(execPath); err != nil {
			fmt.Printf("Warning: could not install LaunchAgent: %v\n", err)
			fmt.Println("         (defkeep will run, but won't auto-start on login)")
		} else {
			fmt.Println("Installed LaunchAgent for auto-start on login")
		}
	case launchd.NeedsUpdate(execPath):
		if err := launchd.Update(execPath); err != nil {
			fmt.Printf("Warning: could not update LaunchAgent: %v\n", err)
		}
	}

	if err := daemon.StartDetached(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give the daemon a moment to register.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("defkeep started")
	return runStatus(cmd, args)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	states := infra.NewFileStateStore(cfg.DataDir)

	state, err := states.Load()
	if err != nil || state == nil || !pm.IsRunning(state.PID) {
		fmt.Println("defkeep is not running")
		return nil
	}

	proc, err := os.FindProcess(state.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon (pid %d): %w", state.PID, err)
	}

	fmt.Println("defkeep stopped")
	fmt.Println("Note: the LaunchAgent restarts it at next login; run")
	fmt.Println("      'launchctl unload' on the agent plist to disable it fully.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	states := infra.NewFileStateStore(cfg.DataDir)
	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())

	fmt.Println("\n=== defkeep Status ===")

	state, err := states.Load()
	if err != nil || state == nil || !pm.IsRunning(state.PID) {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'defkeep start' to enable protection.")
	} else {
		fmt.Println("Status: RUNNING")
		fmt.Printf("PID: %d\n", state.PID)
		if state.LastHeartbeat > 0 {
			lastBeat := time.Unix(state.LastHeartbeat, 0)
			fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
		}
	}

	prefs := ruleStore.Preferences()
	fmt.Printf("\nMonitoring: %v\n", prefs.MonitoringEnabled)
	fmt.Printf("Poll interval: %s\n", prefs.PollInterval)
	fmt.Printf("Recovery strategy: %s\n", prefs.Strategy)
	fmt.Printf("Auto-recovery: %v\n", prefs.AutoRecovery)

	rules := ruleStore.All()
	fmt.Printf("\nProtected types: %d\n", len(rules))
	for _, rule := range rules {
		marker := " "
		if !rule.Enabled {
			marker = "-"
		}
		fmt.Printf("  %s %s -> %s\n", marker, rule.FileType.Identifier, rule.Application.BundleID)
	}

	fmt.Println("======================")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), logger)
	eventLog, err := infra.NewSQLiteEventLog(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	store := infra.NewLaunchServicesStore(logger)
	engine := usecase.NewEngine(
		usecase.DefaultEngineConfig(),
		store,
		ruleStore,
		ruleStore,
		eventLog,
		&logNotifier{logger: logger},
		infra.NewFrontmostProber(),
		infra.NewAppInfoResolver(),
		logger,
	)
	defer engine.Stop()

	fmt.Println("\n=== Validation Pass ===")
	results := engine.ValidateAll(cmd.Context())

	clean := 0
	for _, r := range results {
		switch {
		case r.Err != nil && !errors.Is(r.Err, domain.ErrRuleDisabled):
			fmt.Printf("  FAIL  %s: %v\n", r.TypeIdentifier, r.Err)
		case r.Restored:
			fmt.Printf("  FIXED %s (was %s)\n", r.TypeIdentifier, r.Observed)
		case r.Scheduled:
			fmt.Printf("  QUEUED %s (recovery scheduled)\n", r.TypeIdentifier)
		case r.Diverged:
			fmt.Printf("  DIVERGED %s (held by %s, no auto-recovery)\n", r.TypeIdentifier, r.Observed)
		default:
			clean++
		}
	}
	fmt.Printf("\n%d of %d rules verified clean\n", clean, len(results))
	fmt.Println("=======================")
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())
	rules := ruleStore.All()
	if len(rules) == 0 {
		fmt.Println("No protection rules. Add one with 'defkeep rules add'.")
		return nil
	}

	fmt.Println("\n=== Protection Rules ===")
	for _, rule := range rules {
		state := "enabled"
		if !rule.Enabled {
			state = "disabled"
		}
		fmt.Printf("\n[%s] %s (%s)\n", rule.ID, rule.FileType.Identifier, state)
		if rule.FileType.DisplayName != "" {
			fmt.Printf("  Type: %s\n", rule.FileType.DisplayName)
		}
		if len(rule.FileType.Extensions) > 0 {
			fmt.Printf("  Extensions: %v\n", rule.FileType.Extensions)
		}
		fmt.Printf("  Application: %s", rule.Application.BundleID)
		if rule.Application.Name != "" {
			fmt.Printf(" (%s)", rule.Application.Name)
		}
		fmt.Println()
		if !rule.LastVerified.IsZero() {
			fmt.Printf("  Last verified: %s\n", rule.LastVerified.Format(time.RFC3339))
		}
	}
	fmt.Println("\n========================")
	return nil
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	app := domain.TargetApplication{BundleID: addApp}
	if resolved, err := infra.NewAppInfoResolver().Resolve(addApp); err == nil {
		app = resolved
	}

	rule := domain.ProtectionRule{
		FileType: domain.FileType{
			Identifier:  addUTI,
			Extensions:  addExts,
			DisplayName: addTypeName,
		},
		Application: app,
		Enabled:     !addDisabled,
	}

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())
	if err := ruleStore.Add(rule); err != nil {
		return err
	}

	fmt.Printf("Added rule: %s -> %s\n", addUTI, addApp)
	return nil
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())
	if err := ruleStore.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed rule %s\n", args[0])
	return nil
}

func setRuleEnabled(idOrIdentifier string, enabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())
	if err := ruleStore.SetEnabled(idOrIdentifier, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Enabled rule %s\n", idOrIdentifier)
	} else {
		fmt.Printf("Disabled rule %s\n", idOrIdentifier)
	}
	return nil
}

func runPrefs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), zap.NewNop())
	prefs := ruleStore.Preferences()

	changed := false
	if prefMonitoring != "" {
		v, err := parseOnOff(prefMonitoring)
		if err != nil {
			return fmt.Errorf("--monitoring: %w", err)
		}
		prefs.MonitoringEnabled = v
		changed = true
	}
	if prefAutoRecovery != "" {
		v, err := parseOnOff(prefAutoRecovery)
		if err != nil {
			return fmt.Errorf("--auto-recovery: %w", err)
		}
		prefs.AutoRecovery = v
		changed = true
	}
	if prefStrategy != "" {
		switch domain.RecoveryStrategy(prefStrategy) {
		case domain.StrategyImmediate, domain.StrategyDelayed, domain.StrategyAskUser:
			prefs.Strategy = domain.RecoveryStrategy(prefStrategy)
			changed = true
		default:
			return fmt.Errorf("--strategy: unknown strategy %q", prefStrategy)
		}
	}
	if prefPollSeconds > 0 {
		prefs.PollInterval = time.Duration(prefPollSeconds) * time.Second
		changed = true
	}

	if changed {
		prefs.PollInterval = prefs.ClampedPollInterval()
		if err := ruleStore.SetPreferences(prefs); err != nil {
			return err
		}
		fmt.Println("Preferences updated. The daemon applies them on its next pass.")
	}

	fmt.Printf("Monitoring: %v\n", prefs.MonitoringEnabled)
	fmt.Printf("Auto-recovery: %v\n", prefs.AutoRecovery)
	fmt.Printf("Strategy: %s\n", prefs.Strategy)
	fmt.Printf("Poll interval: %s\n", prefs.PollInterval)
	return nil
}

func parseOnOff(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	eventLog, err := infra.NewSQLiteEventLog(cfg.DataDir, zap.NewNop())
	if err != nil {
		return err
	}
	defer eventLog.Close()

	query := domain.EventQuery{
		TypeIdentifier: logType,
		Search:         logSearch,
		Limit:          logLimit,
	}
	if logKind != "" {
		query.Kinds = []domain.EventKind{domain.EventKind(logKind)}
	}

	entries, err := eventLog.Query(query)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No events.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-14s %s",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.TypeIdentifier)
		if e.FromBundleID != "" {
			line += fmt.Sprintf("  %s -> %s", e.FromBundleID, e.ToBundleID)
		}
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runLogPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	eventLog, err := infra.NewSQLiteEventLog(cfg.DataDir, zap.NewNop())
	if err != nil {
		return err
	}
	defer eventLog.Close()

	removed, err := eventLog.Prune(time.Duration(pruneDays) * 24 * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d entries older than %d days\n", removed, pruneDays)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	states := infra.NewFileStateStore(cfg.DataDir)
	ruleStore := infra.NewFileRuleStore(infra.DefaultRulesPath(cfg.DataDir), logger)

	eventLog, err := infra.NewSQLiteEventLog(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open event log", zap.Error(err))
		return err
	}
	defer eventLog.Close()

	store := infra.NewLaunchServicesStore(logger)
	engine := usecase.NewEngine(
		usecase.DefaultEngineConfig(),
		store,
		ruleStore,
		ruleStore,
		eventLog,
		&logNotifier{logger: logger},
		infra.NewFrontmostProber(),
		infra.NewAppInfoResolver(),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	prefs := ruleStore.Preferences()
	observerConfig := daemon.DefaultObserverConfig()
	observerConfig.PollInterval = prefs.ClampedPollInterval()
	observer := daemon.NewObserver(observerConfig, pm, func(source string) {
		engine.RequestValidation(ctx)
	}, logger)

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics listener starting", zap.String("addr", cfg.Metrics.Listen))
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	keeper := daemon.NewKeeper(
		daemon.DefaultKeeperConfig(),
		engine,
		observer,
		states,
		ruleStore,
		Version,
		logger,
	)

	err = keeper.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createLogger(logPath string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{logPath}
	config.ErrorOutputPaths = []string{logPath}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("defkeep %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
