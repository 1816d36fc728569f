package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLaunchdManager(t *testing.T) *LaunchdManagerImpl {
	t.Helper()
	dir := t.TempDir()
	return NewLaunchdManagerWithPath(filepath.Join(dir, "com.defkeep.agent.plist"), dir)
}

func TestLaunchdManager_InstallWritesPlist(t *testing.T) {
	manager := newTestLaunchdManager(t)
	require.False(t, manager.IsInstalled())

	require.NoError(t, manager.Install("/usr/local/bin/defkeep"))
	require.True(t, manager.IsInstalled())

	content, err := os.ReadFile(manager.PlistPath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "<string>com.defkeep.agent</string>")
	assert.Contains(t, string(content), "<string>/usr/local/bin/defkeep</string>")
	assert.Contains(t, string(content), "<string>daemon</string>")
	assert.Contains(t, string(content), "<key>RunAtLoad</key>")
}

func TestLaunchdManager_NeedsUpdate(t *testing.T) {
	manager := newTestLaunchdManager(t)

	assert.False(t, manager.NeedsUpdate("/usr/local/bin/defkeep"), "no plist means nothing to update")

	require.NoError(t, manager.Install("/usr/local/bin/defkeep"))
	assert.False(t, manager.NeedsUpdate("/usr/local/bin/defkeep"))

	// Binary moved: the installed plist points at the old path.
	assert.True(t, manager.NeedsUpdate("/opt/homebrew/bin/defkeep"))

	require.NoError(t, manager.Update("/opt/homebrew/bin/defkeep"))
	assert.False(t, manager.NeedsUpdate("/opt/homebrew/bin/defkeep"))
}

func TestLaunchdManager_UninstallIsIdempotent(t *testing.T) {
	manager := newTestLaunchdManager(t)
	require.NoError(t, manager.Install("/usr/local/bin/defkeep"))

	require.NoError(t, manager.Uninstall())
	assert.False(t, manager.IsInstalled())
	require.NoError(t, manager.Uninstall())
}
