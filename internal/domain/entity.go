// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"strings"
	"time"
)

// RecoveryStrategy selects how the engine reacts to a detected divergence.
// This is process-wide configuration, not per-rule.
type RecoveryStrategy string

const (
	// StrategyImmediate recovers synchronously on detection.
	StrategyImmediate RecoveryStrategy = "immediate"

	// StrategyDelayed schedules recovery after a fixed delay. Repeated
	// triggers for the same identifier coalesce: only the latest runs.
	StrategyDelayed RecoveryStrategy = "delayed"

	// StrategyAskUser logs the detection but performs no recovery.
	StrategyAskUser RecoveryStrategy = "ask-user"
)

// FileType identifies a file format by its uniform type identifier.
// The identifier is the primary key; extensions are non-authoritative
// hints used only to locate sibling dynamic identifiers.
type FileType struct {
	Identifier  string   `json:"identifier"`
	Extensions  []string `json:"extensions,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// PrimaryExtension returns the first extension hint, or "".
func (ft FileType) PrimaryExtension() string {
	if len(ft.Extensions) == 0 {
		return ""
	}
	return ft.Extensions[0]
}

// IsPublic reports whether the identifier lives in the generic
// "public.*" namespace. Public types are excluded from sibling
// enumeration to avoid cross-rule interference.
func (ft FileType) IsPublic() bool {
	return strings.HasPrefix(ft.Identifier, "public.")
}

// TargetApplication is the application a file type should open with.
// BundleID is the primary key; Name and Path are denormalized cache
// fields refreshed from the OS on demand.
type TargetApplication struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`
}

// ProtectionRule binds one file type to one expected application.
// Rules are created and mutated only through the rule store; the
// engine reads them and marks them verified.
type ProtectionRule struct {
	ID           string            `json:"id"`
	FileType     FileType          `json:"file_type"`
	Application  TargetApplication `json:"application"`
	Enabled      bool              `json:"enabled"`
	LastVerified time.Time         `json:"last_verified,omitempty"`
}

// EventKind classifies an engine event.
type EventKind string

const (
	EventDetected      EventKind = "detected"
	EventRestored      EventKind = "restored"
	EventRestoreFailed EventKind = "restore-failed"
)

// LogEntry is an immutable record of one engine event.
type LogEntry struct {
	ID             int64
	Kind           EventKind
	TypeIdentifier string
	TypeName       string
	FromBundleID   string
	FromName       string
	ToBundleID     string
	ToName         string
	Detail         string // optional error description
	CreatedAt      time.Time
}

// EventQuery filters event log reads.
type EventQuery struct {
	Kinds          []EventKind
	TypeIdentifier string
	Search         string // substring match over type/app names
	Limit          int
}

// Preferences is the process-wide tuning block persisted alongside the
// rules. Absent fields in a loaded document take these defaults.
type Preferences struct {
	MonitoringEnabled bool
	PollInterval      time.Duration
	Strategy          RecoveryStrategy
	AutoRecovery      bool
}

// Poll interval bounds; values outside are clamped, not rejected.
const (
	MinPollInterval = 5 * time.Second
	MaxPollInterval = 60 * time.Second
)

// DefaultPreferences returns the preferences used when no document
// exists or when a loaded document omits fields.
func DefaultPreferences() Preferences {
	return Preferences{
		MonitoringEnabled: true,
		PollInterval:      15 * time.Second,
		Strategy:          StrategyImmediate,
		AutoRecovery:      true,
	}
}

// ClampedPollInterval returns the poll interval bounded to the
// supported range.
func (p Preferences) ClampedPollInterval() time.Duration {
	iv := p.PollInterval
	if iv < MinPollInterval {
		return MinPollInterval
	}
	if iv > MaxPollInterval {
		return MaxPollInterval
	}
	return iv
}

// ValidationResult captures what happened to a single rule during one
// validation pass.
type ValidationResult struct {
	RuleID         string
	TypeIdentifier string
	Skipped        bool // another validation for this identifier was in flight
	Diverged       bool
	Observed       string // bundle id actually holding the association
	Restored       bool
	Scheduled      bool // delayed recovery queued
	Err            error
}
