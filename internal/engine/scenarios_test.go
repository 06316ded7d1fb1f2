package engine

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/tabwarden/internal/actions"
	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/scheduler"
	"github.com/marcus-qen/tabwarden/internal/storage"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

var _ = Describe("Rule engine end to end", func() {
	ctx := context.Background()

	dedupeRule := func(id string) rules.Rule {
		return ruleWith(id, matchAll,
			actions.Record{Action: "close-duplicates", Params: map[string]any{"keep": "oldest"}},
		)
	}

	closedIDs := func(m *driver.Memory) []int {
		var out []int
		for _, batch := range m.Removals() {
			out = append(out, batch...)
		}
		return out
	}

	runsLogged := func(eng *Engine) func() int {
		return func() int {
			recs, err := eng.RunLog().List(100)
			Expect(err).NotTo(HaveOccurred())
			return len(recs)
		}
	}

	Describe("duplicate detection", func() {
		Context("when tabs differ in a meaningful query parameter", func() {
			It("preserves distinct videos on the same site", func() {
				m := driver.NewMemory()
				m.AddTab(tabs.Tab{URL: "https://www.youtube.com/watch?v=abc123"})
				m.AddTab(tabs.Tab{URL: "https://www.youtube.com/watch?v=xyz789"})
				eng := newEngine(m, dedupeRule("videos"))

				res, err := eng.RunRule(ctx, "videos", RunOpts{})
				Expect(err).NotTo(HaveOccurred())

				Expect(res.TotalMatches).To(Equal(2))
				Expect(res.TotalActions).To(BeZero())
				Expect(closedIDs(m)).To(BeEmpty())
			})

			It("keeps distinct search queries apart", func() {
				m := driver.NewMemory()
				m.AddTab(tabs.Tab{URL: "https://www.google.com/search?q=cats"})
				m.AddTab(tabs.Tab{URL: "https://www.google.com/search?q=dogs"})
				eng := newEngine(m, dedupeRule("searches"))

				res, err := eng.RunRule(ctx, "searches", RunOpts{})
				Expect(err).NotTo(HaveOccurred())

				Expect(res.TotalActions).To(BeZero())
				Expect(closedIDs(m)).To(BeEmpty())
			})
		})

		Context("when tabs differ only in tracking parameters", func() {
			It("collapses the variants onto the oldest tab", func() {
				m := driver.NewMemory()
				keeper := m.AddTab(tabs.Tab{URL: "https://ex.com/a"})
				v1 := m.AddTab(tabs.Tab{URL: "https://ex.com/a?utm_source=t&fbclid=x"})
				v2 := m.AddTab(tabs.Tab{URL: "https://ex.com/a?utm_campaign=s"})
				eng := newEngine(m, dedupeRule("collapse"))

				res, err := eng.RunRule(ctx, "collapse", RunOpts{})
				Expect(err).NotTo(HaveOccurred())

				Expect(res.TotalMatches).To(Equal(3))
				Expect(res.TotalActions).To(Equal(2))
				Expect(closedIDs(m)).To(ConsistOf(v1, v2))
				_, ok := m.Tab(keeper)
				Expect(ok).To(BeTrue(), "the oldest tab must survive")
			})
		})
	})

	Describe("trigger scheduling", func() {
		newRig := func(kv storage.KV, r rules.Rule) (*Engine, *scheduler.Scheduler) {
			m := driver.NewMemory()
			m.AddTab(tabs.Tab{URL: "https://example.com/work"})
			eng := newEngine(m, r)
			sched := scheduler.NewScheduler(kv, func(ctx context.Context, ruleID string, trigger rules.TriggerKind) {
				_, _ = eng.RunRule(ctx, ruleID, RunOpts{Trigger: trigger})
			}, nil)
			return eng, sched
		}

		Context("with an immediate trigger", func() {
			It("coalesces a burst of tab events into one debounced run", func() {
				r := ruleWith("imm", domainIs("example.com"), actions.Record{Action: "mute"})
				r.Trigger = rules.Trigger{Kind: rules.TriggerImmediate, DebounceMs: 600}
				eng, sched := newRig(storage.NewMemory(), r)
				defer sched.StopAll()
				sched.ApplyRule(r)

				By("poking the trigger three times inside the debounce window")
				sched.NotifyTabEvent()
				time.Sleep(200 * time.Millisecond)
				sched.NotifyTabEvent()
				time.Sleep(200 * time.Millisecond)
				sched.NotifyTabEvent()

				By("every poke resets the window, so nothing fires yet")
				Consistently(runsLogged(eng), "300ms", "50ms").Should(BeZero())

				By("one run lands once the window drains")
				Eventually(runsLogged(eng), "2s", "50ms").Should(Equal(1))
				Consistently(runsLogged(eng), "800ms", "100ms").Should(Equal(1))

				recs, err := eng.RunLog().List(10)
				Expect(err).NotTo(HaveOccurred())
				Expect(recs[0].Trigger).To(Equal("immediate"))
			})
		})

		Context("with a repeat trigger", func() {
			It("fires on the interval until cancelled", func() {
				r := ruleWith("rep", domainIs("example.com"), actions.Record{Action: "mute"})
				r.Trigger = rules.Trigger{Kind: rules.TriggerRepeat, Every: "700ms"}
				eng, sched := newRig(storage.NewMemory(), r)
				sched.ApplyRule(r)

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				sched.Start(runCtx)
				defer sched.Stop()

				By("an install-time run plus one interval firing")
				Eventually(runsLogged(eng), "2s", "50ms").Should(Equal(2))

				By("cancelling between firings stops the next one")
				sched.RemoveRule("rep")
				Consistently(runsLogged(eng), "1500ms", "100ms").Should(Equal(2))
			})
		})

		Context("with a persisted one-shot trigger", func() {
			It("survives a restart and fires exactly once", func() {
				kv := storage.NewMemory()
				r := ruleWith("wake", domainIs("example.com"), actions.Record{Action: "mute"})
				r.Trigger = rules.Trigger{Kind: rules.TriggerOnce, At: time.Now().Add(1200 * time.Millisecond)}
				eng, sched := newRig(kv, r)
				sched.ApplyRule(r)

				By("shutting the first scheduler down before the trigger is due")
				sched.StopAll()
				Expect(runsLogged(eng)()).To(BeZero())

				By("a fresh scheduler restores the pending trigger from storage")
				eng2, sched2 := newRig(kv, r)
				Expect(sched2.Init()).To(Succeed())

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				sched2.Start(runCtx)
				defer sched2.Stop()

				Eventually(runsLogged(eng2), "4s", "50ms").Should(Equal(1))

				By("the persisted record is gone after firing")
				_, ok, err := kv.Get("scheduledTriggers")
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
				Consistently(runsLogged(eng2), "1200ms", "100ms").Should(Equal(1))

				recs, err := eng2.RunLog().List(10)
				Expect(err).NotTo(HaveOccurred())
				Expect(recs[0].Trigger).To(Equal("once"))
			})
		})
	})
})
