package memory_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"research_agent/internal/domain"
	"research_agent/internal/memory"
	"research_agent/internal/store/sqlite"
)

type brokenBackend struct{}

func (brokenBackend) AppendMemory(context.Context, domain.MemoryEntry) error {
	return errors.New("disk full")
}

func (brokenBackend) RecentMemory(context.Context, string, int) ([]domain.MemoryEntry, error) {
	return nil, errors.New("database is locked")
}

var _ = Describe("Memory store", func() {
	var (
		ctx   context.Context
		store *sqlite.Store
		mem   *memory.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = sqlite.Open(filepath.Join(GinkgoT().TempDir(), "memory.db"))
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Migrate(ctx)).To(Succeed())
		mem = memory.New(store, 10)
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("returns the no entries sentinel for an empty project", func() {
		text, err := mem.Context(ctx, "empty-project", 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(Equal(memory.NoEntriesSentinel))
	})

	It("returns exactly limit entries, most recent ones, oldest first", func() {
		for i := 0; i < 15; i++ {
			Expect(mem.Save(ctx, "p1", "Researcher", fmt.Sprintf("task-%02d", i), fmt.Sprintf("result %d", i))).To(Succeed())
		}

		text, err := mem.Context(ctx, "p1", 5)
		Expect(err).ToNot(HaveOccurred())

		lines := strings.Split(strings.TrimSpace(text), "\n")
		Expect(lines).To(HaveLen(6))
		Expect(lines[0]).To(Equal("Recent Memory Entries (oldest first):"))
		entries := lines[1:]
		for i, line := range entries {
			Expect(line).To(HavePrefix("- ["))
			Expect(line).To(HaveSuffix(fmt.Sprintf("] Researcher task-%02d: result %d", 10+i, 10+i)))
		}
	})

	It("uses the configured window when limit is not positive", func() {
		windowed := memory.New(store, 3)
		for i := 0; i < 5; i++ {
			Expect(windowed.Save(ctx, "p2", "Writer", "draft", fmt.Sprintf("v%d", i))).To(Succeed())
		}
		text, err := windowed.Context(ctx, "p2", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(strings.Count(text, "\n- [")).To(Equal(3))
		Expect(text).To(ContainSubstring("draft: v2"))
		Expect(text).ToNot(ContainSubstring("draft: v1"))
	})

	It("keeps projects isolated", func() {
		Expect(mem.Save(ctx, "a", "Researcher", "x", "alpha")).To(Succeed())
		Expect(mem.Save(ctx, "b", "Researcher", "y", "beta")).To(Succeed())

		text, err := mem.Context(ctx, "a", 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("alpha"))
		Expect(text).ToNot(ContainSubstring("beta"))
	})

	Context("when the backend fails", func() {
		It("reports save failures explicitly", func() {
			broken := memory.New(brokenBackend{}, 10)
			err := broken.Save(ctx, "p", "Researcher", "a", "c")
			Expect(err).To(MatchError(ContainSubstring("disk full")))
		})

		It("returns the error sentinel alongside the error", func() {
			broken := memory.New(brokenBackend{}, 10)
			text, err := broken.Context(ctx, "p", 10)
			Expect(err).To(HaveOccurred())
			Expect(text).To(Equal(memory.ErrorSentinel))
		})
	})
})
