package infra

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
)

// fakeRunner scripts subprocess responses keyed by the full command
// line and records every invocation.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeRunner) Run(name string, args ...string) error {
	f.calls = append(f.calls, key(name, args...))
	return f.errs[key(name, args...)]
}

func (f *fakeRunner) Output(name string, args ...string) ([]byte, error) {
	k := key(name, args...)
	f.calls = append(f.calls, k)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	return f.outputs[k], nil
}

func (f *fakeRunner) callCount(fragment string) int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, fragment) {
			n++
		}
	}
	return n
}

const sampleDump = `type id:        12345
uti:            com.adobe.pdf
description:    PDF Document
tags:           .pdf, 'PDF '
--------------------------------------
type id:        12346
uti:            dyn.ah62d4rv4ge81e5pe
tags:           .pdf
--------------------------------------
type id:        12347
uti:            net.daringfireball.markdown
tags:           .markdown, .md, 'MD  '
--------------------------------------
type id:        12348
uti:            public.plain-text
tags:           .txt, .text
--------------------------------------
`

func TestDefaultApplication(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("duti", "-d", "com.adobe.pdf")] = []byte("com.apple.Preview\n")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	got, err := store.DefaultApplication("com.adobe.pdf")

	require.NoError(t, err)
	assert.Equal(t, "com.apple.Preview", got)
}

func TestDefaultApplication_UnknownIdentifier(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[key("duti", "-d", "bogus.type")] = fmt.Errorf("failed to get default app id for UTI: bogus.type")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	_, err := store.DefaultApplication("bogus.type")

	var lookupErr *domain.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "bogus.type", lookupErr.Identifier)
	assert.False(t, domain.IsRetryable(err))
}

func TestDefaultApplication_NoAssociation(t *testing.T) {
	// duti exits non-zero but prints nothing when the identifier is
	// known and simply unassigned.
	runner := newFakeRunner()
	runner.errs[key("duti", "-d", "public.fancy")] = errors.New("")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	got, err := store.DefaultApplication("public.fancy")

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetDefaultApplication(t *testing.T) {
	runner := newFakeRunner()
	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())

	require.NoError(t, store.SetDefaultApplication("com.apple.Preview", "com.adobe.pdf"))
	assert.Equal(t, []string{"duti -s com.apple.Preview com.adobe.pdf all"}, runner.calls)
}

func TestSetDefaultApplication_Failure(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[key("duti", "-s", "com.apple.Preview", "com.adobe.pdf", "all")] = errors.New("operation not permitted")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	err := store.SetDefaultApplication("com.apple.Preview", "com.adobe.pdf")

	var writeErr *domain.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "com.adobe.pdf", writeErr.Identifier)
	assert.True(t, domain.IsRetryable(err))
}

func TestSetDefaultApplicationForExtension_FansOutToSiblings(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key(lsregisterPath, "-dump")] = []byte(sampleDump)

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	err := store.SetDefaultApplicationForExtension("com.apple.Preview", "pdf", "com.adobe.pdf")
	require.NoError(t, err)

	assert.Contains(t, runner.calls, "duti -s com.apple.Preview com.adobe.pdf all")
	assert.Contains(t, runner.calls, "duti -s com.apple.Preview dyn.ah62d4rv4ge81e5pe all")
	// The primary appears once even though the dump also lists it.
	assert.Equal(t, 1, runner.callCount("-s com.apple.Preview com.adobe.pdf all"))
}

func TestSetDefaultApplicationForExtension_DumpFailureWritesPrimary(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[key(lsregisterPath, "-dump")] = errors.New("lsregister unavailable")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	err := store.SetDefaultApplicationForExtension("com.apple.Preview", "pdf", "com.adobe.pdf")

	require.NoError(t, err)
	assert.Contains(t, runner.calls, "duti -s com.apple.Preview com.adobe.pdf all")
}

func TestIdentifiersForExtension_CachesDump(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key(lsregisterPath, "-dump")] = []byte(sampleDump)

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	first, err := store.IdentifiersForExtension("md")
	require.NoError(t, err)
	second, err := store.IdentifiersForExtension("md")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, runner.callCount("lsregister"), "dump must be cached within the TTL")
}

func TestParseIdentifiersForExtension(t *testing.T) {
	tests := []struct {
		name      string
		extension string
		want      []string
	}{
		{"pdf collects dynamic sibling", "pdf", []string{"com.adobe.pdf", "dyn.ah62d4rv4ge81e5pe"}},
		{"leading dot accepted", ".pdf", []string{"com.adobe.pdf", "dyn.ah62d4rv4ge81e5pe"}},
		{"md matches exactly, not markdown", "md", []string{"net.daringfireball.markdown"}},
		{"txt", "txt", []string{"public.plain-text"}},
		{"unknown extension", "xyz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseIdentifiersForExtension(strings.NewReader(sampleDump), tt.extension)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAvailableApplications(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("duti", "-l", "com.adobe.pdf")] = []byte("com.apple.Preview\ncom.adobe.Acrobat\n\n")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	got, err := store.AvailableApplications("com.adobe.pdf")

	require.NoError(t, err)
	assert.Equal(t, []string{"com.apple.Preview", "com.adobe.Acrobat"}, got)
}

func TestInstalledApplications(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[key("mdfind", `kMDItemContentType == "com.apple.application-bundle"`)] = []byte(
		"/Applications/Preview.app\n/Applications/Safari.app\n/Applications/Broken.app\n")
	runner.outputs[key("mdls", "-name", "kMDItemCFBundleIdentifier", "-raw", "/Applications/Preview.app")] = []byte("com.apple.Preview")
	runner.outputs[key("mdls", "-name", "kMDItemCFBundleIdentifier", "-raw", "/Applications/Safari.app")] = []byte("com.apple.Safari")
	runner.outputs[key("mdls", "-name", "kMDItemCFBundleIdentifier", "-raw", "/Applications/Broken.app")] = []byte("(null)")

	store := NewLaunchServicesStoreWithRunner(runner, zap.NewNop())
	got, err := store.InstalledApplications()

	require.NoError(t, err)
	assert.Equal(t, []string{"com.apple.Preview", "com.apple.Safari"}, got)
}
