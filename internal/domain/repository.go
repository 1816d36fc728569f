package domain

import "time"

// AssociationStore is the sole gateway to the OS file-type-association
// database. All calls are synchronous and may block on OS I/O; never
// invoke them from a latency-sensitive goroutine.
// Implementation: shells out to duti and lsregister on macOS.
type AssociationStore interface {
	// DefaultApplication returns the bundle id of the current default
	// handler for the identifier, or "" if no association exists.
	// Returns a *LookupError if the identifier is unknown to the OS.
	DefaultApplication(identifier string) (string, error)

	// SetDefaultApplication makes bundleID the default handler for a
	// single identifier. Returns a *WriteError if the OS rejects it.
	SetDefaultApplication(bundleID, identifier string) error

	// SetDefaultApplicationForExtension sets the handler for every
	// identifier the OS derives from the extension, primary included.
	// A single extension can map to several dynamically generated
	// identifiers, each tracked separately; a single-identifier write
	// leaves the siblings unprotected.
	SetDefaultApplicationForExtension(bundleID, extension, primaryIdentifier string) error

	// IdentifiersForExtension enumerates sibling identifiers for an
	// extension, primary and dynamic alike.
	IdentifiersForExtension(extension string) ([]string, error)

	// InstalledApplications lists bundle ids of installed applications.
	InstalledApplications() ([]string, error)

	// AvailableApplications lists bundle ids of applications claiming
	// the identifier.
	AvailableApplications(identifier string) ([]string, error)
}

// RuleSource is the read-only view of the user's desired state that
// the engine consults on every validation pass. The engine never
// creates, deletes, or toggles rules; MarkVerified is the one
// timestamp it is allowed to refresh.
type RuleSource interface {
	// EnabledRules returns all rules with the enabled flag set.
	EnabledRules() []ProtectionRule

	// FindRule returns the rule for a type identifier, if any.
	FindRule(identifier string) (*ProtectionRule, bool)

	// MarkVerified refreshes a rule's last-verified timestamp.
	// Best-effort: persistence failures are swallowed by the store.
	MarkVerified(ruleID string, at time.Time)
}

// PreferenceSource exposes the current process-wide preferences.
// The engine re-reads them on every pass so edits take effect live.
type PreferenceSource interface {
	Preferences() Preferences
}

// EventLog receives engine events. Record is fire-and-forget: it must
// never block or fail the validation pass; persistence errors are
// surfaced only via local diagnostics.
type EventLog interface {
	Record(entry LogEntry)
}

// EventLogReader is the query surface the CLI/UI reads.
type EventLogReader interface {
	Query(q EventQuery) ([]LogEntry, error)
}

// Notifier is the host callback contract. The engine fires every time
// without suppression; throttling and display are the host's concern.
type Notifier interface {
	RecoverySucceeded(identifier, previousApp, restoredApp string)
	RecoveryFailed(identifier string, err error)
}

// FrontmostProber reports which application currently owns the screen.
// Used to avoid fighting the user while they are inside the system
// settings application changing an association themselves.
type FrontmostProber interface {
	FrontmostBundleID() (string, error)
}

// ProcessManager handles OS process observations.
// Implementation: uses gopsutil.
type ProcessManager interface {
	// Pids returns a snapshot of all running PIDs.
	Pids() ([]int32, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// CurrentPID returns the current process PID.
	CurrentPID() int
}

// DaemonState is the persisted record of the running daemon, used by
// the status command for liveness checks.
type DaemonState struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}

// StateStore persists the daemon state record.
// Implementation: flock-guarded JSON file in the data directory.
type StateStore interface {
	Register(state DaemonState) error
	Heartbeat() error
	Load() (*DaemonState, error)
	Clear() error
	Path() string
}

// LaunchAgentManager handles the macOS LaunchAgent plist that
// auto-starts the daemon on login.
type LaunchAgentManager interface {
	Install(execPath string) error
	Uninstall() error
	IsInstalled() bool
	NeedsUpdate(execPath string) bool
	Update(execPath string) error
	PlistPath() string
}

// AppInfoResolver refreshes a target application's cached display
// name and path from the OS.
type AppInfoResolver interface {
	Resolve(bundleID string) (TargetApplication, error)
}
