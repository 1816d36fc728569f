package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
)

const rulesDocumentVersion = 1

// preferencesDoc is the on-disk preferences block. Every field is a
// pointer so a document written by an older build decodes with the
// missing fields defaulted instead of zeroed.
type preferencesDoc struct {
	MonitoringEnabled   *bool  `json:"monitoring_enabled,omitempty"`
	PollIntervalSeconds *int   `json:"poll_interval_seconds,omitempty"`
	RecoveryStrategy    string `json:"recovery_strategy,omitempty"`
	AutoRecovery        *bool  `json:"auto_recovery,omitempty"`
}

// rulesDocument is the versioned registry document.
type rulesDocument struct {
	Version     int                     `json:"version"`
	Rules       []domain.ProtectionRule `json:"rules"`
	Preferences preferencesDoc          `json:"preferences"`
}

// FileRuleStore is the desired-state registry: the user's mapping of
// file type to expected application plus the preferences block,
// persisted as a JSON document. The protection engine consumes it
// read-only; the CLI owns mutation.
type FileRuleStore struct {
	path   string
	logger *zap.Logger

	mu  sync.Mutex
	doc rulesDocument
}

// DefaultRulesPath returns the rules document location inside the data
// directory.
func DefaultRulesPath(dataDir string) string {
	return filepath.Join(dataDir, "rules.json")
}

// NewFileRuleStore loads (or initializes) the rule store. A missing or
// corrupt document is not fatal: it degrades to the empty default so a
// damaged file never takes the daemon down.
func NewFileRuleStore(path string, logger *zap.Logger) *FileRuleStore {
	store := &FileRuleStore{
		path:   path,
		logger: logger,
		doc:    rulesDocument{Version: rulesDocumentVersion},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read rules document, starting empty",
				zap.String("path", path),
				zap.Error(err))
		}
		return store
	}

	var doc rulesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("rules document corrupt, starting empty",
			zap.String("path", path),
			zap.Error(err))
		return store
	}
	if doc.Version == 0 {
		doc.Version = rulesDocumentVersion
	}
	store.doc = doc
	return store
}

// EnabledRules returns all rules with the enabled flag set.
func (s *FileRuleStore) EnabledRules() []domain.ProtectionRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enabled []domain.ProtectionRule
	for _, rule := range s.doc.Rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled
}

// All returns every rule, enabled or not, in document order.
func (s *FileRuleStore) All() []domain.ProtectionRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProtectionRule, len(s.doc.Rules))
	copy(out, s.doc.Rules)
	return out
}

// FindRule returns the rule for a type identifier, if any.
func (s *FileRuleStore) FindRule(identifier string) (*domain.ProtectionRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Rules {
		if s.doc.Rules[i].FileType.Identifier == identifier {
			rule := s.doc.Rules[i]
			return &rule, true
		}
	}
	return nil, false
}

// MarkVerified refreshes a rule's last-verified timestamp.
// Best-effort: a persistence failure is logged and swallowed so it
// never fails a validation pass.
func (s *FileRuleStore) MarkVerified(ruleID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Rules {
		if s.doc.Rules[i].ID == ruleID {
			s.doc.Rules[i].LastVerified = at
			if err := s.persistLocked(); err != nil {
				s.logger.Warn("failed to persist verification timestamp", zap.Error(err))
			}
			return
		}
	}
}

// Add inserts a rule, assigning an id when absent. A second rule for
// the same type identifier is rejected.
func (s *FileRuleStore) Add(rule domain.ProtectionRule) error {
	if rule.FileType.Identifier == "" {
		return fmt.Errorf("rule has no type identifier")
	}
	if rule.Application.BundleID == "" {
		return fmt.Errorf("rule has no target application")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.Rules {
		if existing.FileType.Identifier == rule.FileType.Identifier {
			return fmt.Errorf("rule for %q already exists", rule.FileType.Identifier)
		}
	}
	s.doc.Rules = append(s.doc.Rules, rule)
	return s.persistLocked()
}

// Remove deletes a rule by id or type identifier.
func (s *FileRuleStore) Remove(idOrIdentifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.doc.Rules {
		if rule.ID == idOrIdentifier || rule.FileType.Identifier == idOrIdentifier {
			s.doc.Rules = append(s.doc.Rules[:i], s.doc.Rules[i+1:]...)
			return s.persistLocked()
		}
	}
	return domain.ErrRuleNotFound
}

// SetEnabled toggles a rule by id or type identifier.
func (s *FileRuleStore) SetEnabled(idOrIdentifier string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.doc.Rules {
		if rule.ID == idOrIdentifier || rule.FileType.Identifier == idOrIdentifier {
			s.doc.Rules[i].Enabled = enabled
			return s.persistLocked()
		}
	}
	return domain.ErrRuleNotFound
}

// Preferences materializes the stored preferences block, defaulting
// absent fields and clamping the poll interval.
func (s *FileRuleStore) Preferences() domain.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := domain.DefaultPreferences()
	stored := s.doc.Preferences

	if stored.MonitoringEnabled != nil {
		prefs.MonitoringEnabled = *stored.MonitoringEnabled
	}
	if stored.PollIntervalSeconds != nil {
		prefs.PollInterval = time.Duration(*stored.PollIntervalSeconds) * time.Second
	}
	if stored.RecoveryStrategy != "" {
		prefs.Strategy = domain.RecoveryStrategy(stored.RecoveryStrategy)
	}
	if stored.AutoRecovery != nil {
		prefs.AutoRecovery = *stored.AutoRecovery
	}

	prefs.PollInterval = prefs.ClampedPollInterval()
	return prefs
}

// SetPreferences replaces the stored preferences block.
func (s *FileRuleStore) SetPreferences(prefs domain.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seconds := int(prefs.PollInterval / time.Second)
	monitoring := prefs.MonitoringEnabled
	auto := prefs.AutoRecovery
	s.doc.Preferences = preferencesDoc{
		MonitoringEnabled:   &monitoring,
		PollIntervalSeconds: &seconds,
		RecoveryStrategy:    string(prefs.Strategy),
		AutoRecovery:        &auto,
	}
	return s.persistLocked()
}

// Path returns the document location.
func (s *FileRuleStore) Path() string {
	return s.path
}

// persistLocked writes the document atomically: temp file in the same
// directory, fsync, rename. Callers hold s.mu.
func (s *FileRuleStore) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rules document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".rules-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	success = true
	return nil
}

// Ensure FileRuleStore satisfies the engine-facing contracts.
var (
	_ domain.RuleSource       = (*FileRuleStore)(nil)
	_ domain.PreferenceSource = (*FileRuleStore)(nil)
)
