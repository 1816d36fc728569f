package infra

import (
	"fmt"
	"strings"

	"github.com/defkeep/defkeep/internal/domain"
)

const frontmostScript = `tell application "System Events" to get bundle identifier of first application process whose frontmost is true`

// FrontmostProberImpl implements domain.FrontmostProber via
// AppleScript.
type FrontmostProberImpl struct {
	runner CommandRunner
}

// NewFrontmostProber creates a frontmost-application prober.
func NewFrontmostProber() *FrontmostProberImpl {
	return &FrontmostProberImpl{runner: &RealCommandRunner{}}
}

// NewFrontmostProberWithRunner creates a prober with an injectable
// runner (for testing).
func NewFrontmostProberWithRunner(runner CommandRunner) *FrontmostProberImpl {
	return &FrontmostProberImpl{runner: runner}
}

// FrontmostBundleID returns the bundle id of the application that
// currently owns the screen.
func (f *FrontmostProberImpl) FrontmostBundleID() (string, error) {
	out, err := f.runner.Output("osascript", "-e", frontmostScript)
	if err != nil {
		return "", fmt.Errorf("frontmost probe failed: %s", stderrOf(err))
	}
	return strings.TrimSpace(string(out)), nil
}

// Ensure FrontmostProberImpl implements domain.FrontmostProber.
var _ domain.FrontmostProber = (*FrontmostProberImpl)(nil)
