package infra

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
)

// lsregister ships with CoreServices, not on PATH.
const lsregisterPath = "/System/Library/Frameworks/CoreServices.framework" +
	"/Frameworks/LaunchServices.framework/Support/lsregister"

// dumpCacheTTL bounds how often a validation sweep re-runs the
// expensive lsregister dump.
const dumpCacheTTL = 10 * time.Second

// LaunchServicesStore implements domain.AssociationStore against the
// macOS launch services database. Reads and writes go through duti;
// sibling enumeration parses the lsregister registration dump. All
// calls block on subprocess I/O.
type LaunchServicesStore struct {
	runner   CommandRunner
	dutiPath string
	logger   *zap.Logger

	mu       sync.Mutex
	dump     []byte
	dumpedAt time.Time
}

// NewLaunchServicesStore creates the launch services adapter.
func NewLaunchServicesStore(logger *zap.Logger) *LaunchServicesStore {
	dutiPath, err := exec.LookPath("duti")
	if err != nil {
		// Homebrew installs outside the default PATH of a LaunchAgent.
		for _, path := range []string{"/opt/homebrew/bin/duti", "/usr/local/bin/duti"} {
			if _, err := exec.LookPath(path); err == nil {
				dutiPath = path
				break
			}
		}
	}
	return &LaunchServicesStore{
		runner:   &RealCommandRunner{},
		dutiPath: dutiPath,
		logger:   logger,
	}
}

// NewLaunchServicesStoreWithRunner creates the adapter with an
// injectable runner (for testing).
func NewLaunchServicesStoreWithRunner(runner CommandRunner, logger *zap.Logger) *LaunchServicesStore {
	return &LaunchServicesStore{
		runner:   runner,
		dutiPath: "duti",
		logger:   logger,
	}
}

// DefaultApplication returns the current default handler's bundle id
// for the identifier, "" when no association exists, or a LookupError
// when launch services does not know the identifier.
func (s *LaunchServicesStore) DefaultApplication(identifier string) (string, error) {
	out, err := s.runner.Output(s.dutiPath, "-d", identifier)
	if err != nil {
		if stderr := stderrOf(err); stderr != "" {
			return "", &domain.LookupError{
				Identifier: identifier,
				Err:        fmt.Errorf("duti: %s", stderr),
			}
		}
		// Non-zero exit with silent stderr means the identifier is
		// known but has no handler assigned.
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

// SetDefaultApplication makes bundleID the all-roles handler for one
// identifier.
func (s *LaunchServicesStore) SetDefaultApplication(bundleID, identifier string) error {
	if err := s.runner.Run(s.dutiPath, "-s", bundleID, identifier, "all"); err != nil {
		return &domain.WriteError{
			Identifier: identifier,
			BundleID:   bundleID,
			Reason:     stderrOf(err),
			Err:        err,
		}
	}
	return nil
}

// SetDefaultApplicationForExtension writes the handler for the primary
// identifier and every sibling derived from the extension. All
// identifiers are attempted even when one write fails; the last
// failure is returned.
func (s *LaunchServicesStore) SetDefaultApplicationForExtension(bundleID, extension, primaryIdentifier string) error {
	identifiers, err := s.IdentifiersForExtension(extension)
	if err != nil {
		s.logger.Debug("sibling enumeration failed, writing primary only",
			zap.String("extension", extension),
			zap.Error(err))
		identifiers = nil
	}

	seen := map[string]bool{primaryIdentifier: true}
	targets := []string{primaryIdentifier}
	for _, id := range identifiers {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}

	var lastErr error
	for _, id := range targets {
		if err := s.SetDefaultApplication(bundleID, id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IdentifiersForExtension enumerates every identifier the OS derives
// from the extension, dynamic ones included. The registration dump is
// cached briefly; it is megabytes of output.
func (s *LaunchServicesStore) IdentifiersForExtension(extension string) ([]string, error) {
	dump, err := s.registrationDump()
	if err != nil {
		return nil, err
	}
	return parseIdentifiersForExtension(bytes.NewReader(dump), extension), nil
}

func (s *LaunchServicesStore) registrationDump() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dump != nil && time.Since(s.dumpedAt) < dumpCacheTTL {
		return s.dump, nil
	}

	out, err := s.runner.Output(lsregisterPath, "-dump")
	if err != nil {
		return nil, fmt.Errorf("lsregister dump failed: %w", err)
	}
	s.dump = out
	s.dumpedAt = time.Now()
	return out, nil
}

// InstalledApplications lists bundle ids of all installed application
// bundles via Spotlight.
func (s *LaunchServicesStore) InstalledApplications() ([]string, error) {
	out, err := s.runner.Output("mdfind", `kMDItemContentType == "com.apple.application-bundle"`)
	if err != nil {
		return nil, fmt.Errorf("mdfind failed: %s", stderrOf(err))
	}

	var bundleIDs []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		path := strings.TrimSpace(scanner.Text())
		if path == "" {
			continue
		}
		idOut, err := s.runner.Output("mdls", "-name", "kMDItemCFBundleIdentifier", "-raw", path)
		if err != nil {
			continue
		}
		bundleID := strings.TrimSpace(string(idOut))
		if bundleID == "" || bundleID == "(null)" || seen[bundleID] {
			continue
		}
		seen[bundleID] = true
		bundleIDs = append(bundleIDs, bundleID)
	}
	return bundleIDs, scanner.Err()
}

// AvailableApplications lists bundle ids of applications claiming the
// identifier.
func (s *LaunchServicesStore) AvailableApplications(identifier string) ([]string, error) {
	out, err := s.runner.Output(s.dutiPath, "-l", identifier)
	if err != nil {
		return nil, &domain.LookupError{
			Identifier: identifier,
			Err:        fmt.Errorf("duti: %s", stderrOf(err)),
		}
	}

	var bundleIDs []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			bundleIDs = append(bundleIDs, line)
		}
	}
	return bundleIDs, scanner.Err()
}

// parseIdentifiersForExtension scans an lsregister -dump for type
// records whose tags claim the extension. Records look like:
//
//	uti:            dyn.ah62d4rv4ge80g55sq2
//	tags:           .markdown, .md, 'MD  '
func parseIdentifiersForExtension(r io.Reader, extension string) []string {
	wanted := "." + strings.ToLower(strings.TrimPrefix(extension, "."))

	var identifiers []string
	seen := make(map[string]bool)
	currentUTI := ""

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "---") {
			currentUTI = ""
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "uti":
			currentUTI = value
		case "tags":
			if currentUTI == "" || seen[currentUTI] {
				continue
			}
			for _, tag := range strings.Split(value, ",") {
				if strings.ToLower(strings.TrimSpace(tag)) == wanted {
					seen[currentUTI] = true
					identifiers = append(identifiers, currentUTI)
					break
				}
			}
		}
	}
	return identifiers
}

// Ensure LaunchServicesStore implements domain.AssociationStore.
var _ domain.AssociationStore = (*LaunchServicesStore)(nil)
