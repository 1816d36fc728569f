package infra

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppInfoResolver_Resolve(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("mdfind", `kMDItemCFBundleIdentifier == "com.apple.Preview"`)] = []byte(
		"/System/Applications/Preview.app\n")

	resolver := NewAppInfoResolverWithRunner(runner, time.Now)
	app, err := resolver.Resolve("com.apple.Preview")

	require.NoError(t, err)
	assert.Equal(t, "com.apple.Preview", app.BundleID)
	assert.Equal(t, "Preview", app.Name)
	assert.Equal(t, "/System/Applications/Preview.app", app.Path)
}

func TestAppInfoResolver_NotInstalled(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("mdfind", `kMDItemCFBundleIdentifier == "org.gone.app"`)] = []byte("\n")

	resolver := NewAppInfoResolverWithRunner(runner, time.Now)
	_, err := resolver.Resolve("org.gone.app")
	assert.Error(t, err)
}

func TestAppInfoResolver_MdfindFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[key("mdfind", `kMDItemCFBundleIdentifier == "com.apple.Preview"`)] = errors.New("spotlight indexing disabled")

	resolver := NewAppInfoResolverWithRunner(runner, time.Now)
	_, err := resolver.Resolve("com.apple.Preview")
	assert.Error(t, err)
}

func TestAppInfoResolver_CachesWithinTTL(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("mdfind", `kMDItemCFBundleIdentifier == "com.apple.Preview"`)] = []byte(
		"/System/Applications/Preview.app\n")

	current := time.Now()
	resolver := NewAppInfoResolverWithRunner(runner, func() time.Time { return current })

	_, err := resolver.Resolve("com.apple.Preview")
	require.NoError(t, err)
	_, err = resolver.Resolve("com.apple.Preview")
	require.NoError(t, err)
	assert.Equal(t, 1, runner.callCount("mdfind"))

	// Expire the entry and resolve again.
	current = current.Add(appInfoTTL + time.Second)
	_, err = resolver.Resolve("com.apple.Preview")
	require.NoError(t, err)
	assert.Equal(t, 2, runner.callCount("mdfind"))
}

func TestAppInfoResolver_CacheBounded(t *testing.T) {
	runner := newFakeRunner()
	current := time.Now()
	resolver := NewAppInfoResolverWithRunner(runner, func() time.Time { return current })

	for i := 0; i < appInfoMaxEntries+10; i++ {
		id := fmt.Sprintf("com.example.app%d", i)
		runner.outputs[key("mdfind", fmt.Sprintf("kMDItemCFBundleIdentifier == %q", id))] = []byte(
			fmt.Sprintf("/Applications/App%d.app\n", i))
		// Distinct fetch times so eviction has an ordering to work with.
		current = current.Add(time.Millisecond)
		_, err := resolver.Resolve(id)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, len(resolver.cache), appInfoMaxEntries)
}
