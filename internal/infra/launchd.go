package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/defkeep/defkeep/internal/domain"
)

// LaunchAgent label for the protection daemon.
const launchAgentLabel = "com.defkeep.agent"

// LaunchAgent plist template (runs as user)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>daemon</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

type plistConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
	ErrorLogPath   string
}

// LaunchdManagerImpl implements domain.LaunchAgentManager for the
// per-user LaunchAgent that starts the daemon on login.
type LaunchdManagerImpl struct {
	plistPath string
	logDir    string
}

// NewLaunchdManager creates a LaunchAgent manager. logDir receives the
// agent's stdout/stderr files.
func NewLaunchdManager(logDir string) *LaunchdManagerImpl {
	home, _ := os.UserHomeDir()
	return &LaunchdManagerImpl{
		plistPath: filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist"),
		logDir:    logDir,
	}
}

// NewLaunchdManagerWithPath creates a manager with a specific plist
// path (for testing).
func NewLaunchdManagerWithPath(plistPath, logDir string) *LaunchdManagerImpl {
	return &LaunchdManagerImpl{plistPath: plistPath, logDir: logDir}
}

// PlistPath returns the plist file path.
func (m *LaunchdManagerImpl) PlistPath() string {
	return m.plistPath
}

// Install writes and loads the LaunchAgent plist.
func (m *LaunchdManagerImpl) Install(execPath string) error {
	content, err := m.render(execPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.plistPath), 0755); err != nil {
		return fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}

	// Load is best-effort: launchctl fails when already loaded.
	_ = exec.Command("launchctl", "load", m.plistPath).Run()
	return nil
}

// Uninstall unloads and removes the plist.
func (m *LaunchdManagerImpl) Uninstall() error {
	_ = exec.Command("launchctl", "unload", m.plistPath).Run()
	err := os.Remove(m.plistPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsInstalled checks if the plist exists.
func (m *LaunchdManagerImpl) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// NeedsUpdate checks if the plist exists but differs from what Install
// would write (e.g. the binary moved).
func (m *LaunchdManagerImpl) NeedsUpdate(execPath string) bool {
	existing, err := os.ReadFile(m.plistPath)
	if err != nil {
		return false
	}
	expected, err := m.render(execPath)
	if err != nil {
		return false
	}
	return !bytes.Equal(existing, expected)
}

// Update unloads, rewrites, and reloads the plist.
func (m *LaunchdManagerImpl) Update(execPath string) error {
	_ = exec.Command("launchctl", "unload", m.plistPath).Run()
	return m.Install(execPath)
}

func (m *LaunchdManagerImpl) render(execPath string) ([]byte, error) {
	tmpl, err := template.New("plist").Parse(launchAgentTemplate)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, plistConfig{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		LogPath:        filepath.Join(m.logDir, "defkeep.agent.log"),
		ErrorLogPath:   filepath.Join(m.logDir, "defkeep.agent.error.log"),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Ensure LaunchdManagerImpl implements domain.LaunchAgentManager.
var _ domain.LaunchAgentManager = (*LaunchdManagerImpl)(nil)
