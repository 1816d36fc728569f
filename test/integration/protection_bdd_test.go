//go:build integration

package integration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
	"github.com/defkeep/defkeep/internal/infra"
	"github.com/defkeep/defkeep/internal/usecase"
)

// memoryStore is an in-memory association database standing in for
// launch services, so the full engine/rule-store/event-log stack runs
// without touching the OS.
type memoryStore struct {
	mu       sync.Mutex
	defaults map[string]string
	failSet  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{defaults: make(map[string]string)}
}

func (s *memoryStore) hijack(identifier, bundleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[identifier] = bundleID
}

func (s *memoryStore) DefaultApplication(identifier string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaults[identifier], nil
}

func (s *memoryStore) SetDefaultApplication(bundleID, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return &domain.WriteError{Identifier: identifier, BundleID: bundleID, Reason: "injected failure"}
	}
	s.defaults[identifier] = bundleID
	return nil
}

func (s *memoryStore) SetDefaultApplicationForExtension(bundleID, extension, primaryIdentifier string) error {
	return s.SetDefaultApplication(bundleID, primaryIdentifier)
}

func (s *memoryStore) IdentifiersForExtension(extension string) ([]string, error) {
	return nil, nil
}

func (s *memoryStore) InstalledApplications() ([]string, error)       { return nil, nil }
func (s *memoryStore) AvailableApplications(string) ([]string, error) { return nil, nil }

var _ = Describe("Protection Engine", func() {
	var (
		ctx       context.Context
		store     *memoryStore
		ruleStore *infra.FileRuleStore
		eventLog  *infra.SQLiteEventLog
		engine    *usecase.Engine
	)

	newEngine := func() *usecase.Engine {
		config := usecase.DefaultEngineConfig()
		config.BackoffUnit = 5 * time.Millisecond
		config.RecoveryDelay = 50 * time.Millisecond
		config.DebounceDelay = 10 * time.Millisecond
		return usecase.NewEngine(config, store, ruleStore, ruleStore, eventLog,
			nil, nil, nil, zap.NewNop())
	}

	BeforeEach(func() {
		ctx = context.Background()
		dataDir := GinkgoT().TempDir()

		store = newMemoryStore()
		ruleStore = infra.NewFileRuleStore(infra.DefaultRulesPath(dataDir), zap.NewNop())

		var err error
		eventLog, err = infra.NewSQLiteEventLog(dataDir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		err = ruleStore.Add(domain.ProtectionRule{
			FileType:    domain.FileType{Identifier: "com.adobe.pdf", DisplayName: "PDF Document"},
			Application: domain.TargetApplication{BundleID: "com.apple.Preview", Name: "Preview"},
			Enabled:     true,
		})
		Expect(err).NotTo(HaveOccurred())

		store.hijack("com.adobe.pdf", "com.apple.Preview")
		engine = newEngine()
	})

	AfterEach(func() {
		engine.Stop()
		Expect(eventLog.Close()).To(Succeed())
	})

	Describe("a full detect-and-restore round trip", func() {
		Context("when another application grabs the association", func() {
			It("restores the expected handler and logs the incident", func() {
				store.hijack("com.adobe.pdf", "com.adobe.Acrobat")

				results := engine.ValidateAll(ctx)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Diverged).To(BeTrue())
				Expect(results[0].Restored).To(BeTrue())

				current, err := store.DefaultApplication("com.adobe.pdf")
				Expect(err).NotTo(HaveOccurred())
				Expect(current).To(Equal("com.apple.Preview"))

				entries, err := eventLog.Query(domain.EventQuery{})
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(2))
				Expect(entries[0].Kind).To(Equal(domain.EventRestored))
				Expect(entries[1].Kind).To(Equal(domain.EventDetected))
				Expect(entries[1].FromBundleID).To(Equal("com.adobe.Acrobat"))
			})

			It("refreshes the rule's verification timestamp", func() {
				store.hijack("com.adobe.pdf", "com.adobe.Acrobat")

				engine.ValidateAll(ctx)

				rule, ok := ruleStore.FindRule("com.adobe.pdf")
				Expect(ok).To(BeTrue())
				Expect(rule.LastVerified).NotTo(BeZero())
			})
		})

		Context("when the association is already correct", func() {
			It("records nothing", func() {
				results := engine.ValidateAll(ctx)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Diverged).To(BeFalse())

				entries, err := eventLog.Query(domain.EventQuery{})
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})
	})

	Describe("retry exhaustion", func() {
		Context("when every write fails", func() {
			It("gives up after the attempt budget and logs the failure", func() {
				store.hijack("com.adobe.pdf", "com.adobe.Acrobat")
				store.failSet = true

				results := engine.ValidateAll(ctx)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Restored).To(BeFalse())
				Expect(results[0].Err).To(HaveOccurred())

				entries, err := eventLog.Query(domain.EventQuery{
					Kinds: []domain.EventKind{domain.EventRestoreFailed},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})
		})
	})

	Describe("delayed recovery", func() {
		BeforeEach(func() {
			prefs := domain.DefaultPreferences()
			prefs.Strategy = domain.StrategyDelayed
			Expect(ruleStore.SetPreferences(prefs)).To(Succeed())
		})

		It("coalesces repeated detections into one pending recovery", func() {
			store.hijack("com.adobe.pdf", "com.adobe.Acrobat")

			first := engine.ValidateAll(ctx)
			second := engine.ValidateAll(ctx)
			Expect(first[0].Scheduled).To(BeTrue())
			Expect(second[0].Scheduled).To(BeTrue())
			Expect(engine.PendingRecoveries()).To(Equal(1))

			Eventually(func() string {
				current, _ := store.DefaultApplication("com.adobe.pdf")
				return current
			}, time.Second, 10*time.Millisecond).Should(Equal("com.apple.Preview"))
			Eventually(engine.PendingRecoveries, time.Second, 10*time.Millisecond).Should(BeZero())
		})

		It("drops the pending recovery on shutdown", func() {
			store.hijack("com.adobe.pdf", "com.adobe.Acrobat")

			engine.ValidateAll(ctx)
			Expect(engine.PendingRecoveries()).To(Equal(1))

			engine.Stop()
			Expect(engine.PendingRecoveries()).To(BeZero())

			Consistently(func() string {
				current, _ := store.DefaultApplication("com.adobe.pdf")
				return current
			}, 150*time.Millisecond, 20*time.Millisecond).Should(Equal("com.adobe.Acrobat"))
		})
	})

	Describe("debounced validation requests", func() {
		It("collapses a burst of change notifications into few passes", func() {
			store.hijack("com.adobe.pdf", "com.adobe.Acrobat")

			for i := 0; i < 10; i++ {
				engine.RequestValidation(ctx)
			}

			Eventually(func() string {
				current, _ := store.DefaultApplication("com.adobe.pdf")
				return current
			}, time.Second, 10*time.Millisecond).Should(Equal("com.apple.Preview"))

			Eventually(func() int64 {
				entered, _ := engine.Counters()
				return entered
			}, time.Second, 10*time.Millisecond).Should(BeNumerically("<", 10))
		})
	})
})
