package infra

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/defkeep/defkeep/internal/domain"
)

const (
	appInfoTTL        = 5 * time.Minute
	appInfoMaxEntries = 128
)

type cachedApp struct {
	app       domain.TargetApplication
	fetchedAt time.Time
}

// AppInfoResolverImpl refreshes an application's display name and path
// from Spotlight, with a TTL-bounded cache so repeated log enrichment
// does not hammer mdfind.
type AppInfoResolverImpl struct {
	runner CommandRunner
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedApp
}

// NewAppInfoResolver creates an application info resolver.
func NewAppInfoResolver() *AppInfoResolverImpl {
	return &AppInfoResolverImpl{
		runner: &RealCommandRunner{},
		now:    time.Now,
		cache:  make(map[string]cachedApp),
	}
}

// NewAppInfoResolverWithRunner creates a resolver with injectable
// dependencies (for testing).
func NewAppInfoResolverWithRunner(runner CommandRunner, now func() time.Time) *AppInfoResolverImpl {
	return &AppInfoResolverImpl{
		runner: runner,
		now:    now,
		cache:  make(map[string]cachedApp),
	}
}

// Resolve returns the application for a bundle id, from cache when
// fresh.
func (r *AppInfoResolverImpl) Resolve(bundleID string) (domain.TargetApplication, error) {
	r.mu.Lock()
	if cached, ok := r.cache[bundleID]; ok && r.now().Sub(cached.fetchedAt) < appInfoTTL {
		r.mu.Unlock()
		return cached.app, nil
	}
	r.mu.Unlock()

	query := fmt.Sprintf("kMDItemCFBundleIdentifier == %q", bundleID)
	out, err := r.runner.Output("mdfind", query)
	if err != nil {
		return domain.TargetApplication{}, fmt.Errorf("mdfind failed for %q: %s", bundleID, stderrOf(err))
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	path := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasSuffix(line, ".app") {
			path = line
			break
		}
	}
	if path == "" {
		return domain.TargetApplication{}, fmt.Errorf("no application found for %q", bundleID)
	}

	app := domain.TargetApplication{
		BundleID: bundleID,
		Name:     strings.TrimSuffix(filepath.Base(path), ".app"),
		Path:     path,
	}

	r.mu.Lock()
	r.evictLocked()
	r.cache[bundleID] = cachedApp{app: app, fetchedAt: r.now()}
	r.mu.Unlock()

	return app, nil
}

// evictLocked drops expired entries, then the oldest, keeping the
// cache under its size bound. Callers hold r.mu.
func (r *AppInfoResolverImpl) evictLocked() {
	now := r.now()
	for id, cached := range r.cache {
		if now.Sub(cached.fetchedAt) >= appInfoTTL {
			delete(r.cache, id)
		}
	}

	for len(r.cache) >= appInfoMaxEntries {
		oldestID := ""
		var oldestAt time.Time
		for id, cached := range r.cache {
			if oldestID == "" || cached.fetchedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = cached.fetchedAt
			}
		}
		delete(r.cache, oldestID)
	}
}

// Ensure AppInfoResolverImpl implements domain.AppInfoResolver.
var _ domain.AppInfoResolver = (*AppInfoResolverImpl)(nil)
