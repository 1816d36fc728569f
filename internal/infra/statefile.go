package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/defkeep/defkeep/internal/domain"
)

// FileStateStore implements domain.StateStore using a JSON file. The
// write path is flock-guarded so a CLI status read racing the daemon's
// heartbeat never sees a torn file.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a state store inside the data directory.
func NewFileStateStore(dataDir string) *FileStateStore {
	return &FileStateStore{path: filepath.Join(dataDir, "daemon.json")}
}

// NewFileStateStoreWithPath creates a state store at a specific path
// (for testing).
func NewFileStateStoreWithPath(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Register saves the daemon's state record.
func (s *FileStateStore) Register(state domain.DaemonState) error {
	return s.withLock(func() error {
		return s.atomicWrite(&state)
	})
}

// Heartbeat refreshes the liveness timestamp.
func (s *FileStateStore) Heartbeat() error {
	return s.withLock(func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		state.LastHeartbeat = time.Now().Unix()
		return s.atomicWrite(state)
	})
}

// Load reads the daemon state record, or nil when none exists.
func (s *FileStateStore) Load() (*domain.DaemonState, error) {
	state, err := s.load()
	if os.IsNotExist(err) {
		return nil, nil
	}
	return state, err
}

// Clear removes the state file.
func (s *FileStateStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStateStore) load() (*domain.DaemonState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var state domain.DaemonState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt daemon state file: %w", err)
	}
	return &state, nil
}

func (s *FileStateStore) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

func (s *FileStateStore) atomicWrite(state *domain.DaemonState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Ensure FileStateStore implements domain.StateStore.
var _ domain.StateStore = (*FileStateStore)(nil)
