// Package snooze holds the wake queue for snoozed tabs: a persisted list
// of wake records plus the sweeper that restores due tabs.
package snooze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/metrics"
	"github.com/marcus-qen/tabwarden/internal/storage"
	"github.com/marcus-qen/tabwarden/internal/tabs"
	"github.com/marcus-qen/tabwarden/internal/telemetry"
)

// storageKey is where the queue lives in the KV store.
const storageKey = "snoozedTabs"

// ErrNotFound marks lookups of a wake record that does not exist.
var ErrNotFound = errors.New("snooze record not found")

// WakeRecord is one snoozed tab awaiting restoration. GroupTitle is
// captured at snooze time because the group id dies with its last tab.
type WakeRecord struct {
	ID         string    `json:"id"`
	TabID      int       `json:"tabId"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	FavIconURL string    `json:"favicon,omitempty"`
	WindowID   int       `json:"windowId"`
	GroupID    int       `json:"groupId"`
	GroupTitle string    `json:"groupTitle,omitempty"`
	WakeAt     time.Time `json:"wakeAt"`
	Reason     string    `json:"reason,omitempty"`
	SnoozedAt  time.Time `json:"snoozedAt"`
}

// Queue persists wake records and restores them when due.
type Queue struct {
	mu     sync.Mutex
	kv     storage.KV
	drv    driver.Driver
	bus    *events.Bus
	logger *zap.Logger
}

// NewQueue wires a queue. bus may be nil; wake events are then dropped.
func NewQueue(kv storage.KV, drv driver.Driver, bus *events.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{kv: kv, drv: drv, bus: bus, logger: logger}
}

// Snooze enqueues a wake record for the tab. The caller closes the tab
// afterwards; a crash in between leaves the tab open, never lost.
func (q *Queue) Snooze(ctx context.Context, t tabs.Tab, wakeAt time.Time, reason string) error {
	rec := WakeRecord{
		ID:         uuid.NewString(),
		TabID:      t.ID,
		URL:        t.URL,
		Title:      t.Title,
		FavIconURL: t.FavIconURL,
		WindowID:   t.WindowID,
		GroupID:    t.GroupID,
		WakeAt:     wakeAt.UTC(),
		Reason:     reason,
		SnoozedAt:  time.Now().UTC(),
	}
	if t.GroupID != tabs.GroupNone {
		if title, err := q.groupTitle(ctx, t.GroupID); err != nil {
			q.logger.Warn("cannot resolve group title for snoozed tab",
				zap.Int("tab", t.ID), zap.Int("group", t.GroupID), zap.Error(err))
		} else {
			rec.GroupTitle = title
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.load()
	if err != nil {
		return err
	}
	return q.save(append(recs, rec))
}

// List returns every pending record, soonest wake first.
func (q *Queue) List() ([]WakeRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].WakeAt.Equal(recs[j].WakeAt) {
			return recs[i].WakeAt.Before(recs[j].WakeAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Cancel drops a record without restoring the tab.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.load()
	if err != nil {
		return err
	}
	for i, r := range recs {
		if r.ID == id {
			return q.save(append(recs[:i], recs[i+1:]...))
		}
	}
	return ErrNotFound
}

// WakeNow restores one record immediately regardless of its wake time.
func (q *Queue) WakeNow(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.load()
	if err != nil {
		return err
	}
	for i, r := range recs {
		if r.ID == id {
			if err := q.restore(ctx, r); err != nil {
				return err
			}
			return q.save(append(recs[:i], recs[i+1:]...))
		}
	}
	return ErrNotFound
}

// Sweep restores every record whose wake time has passed and returns how
// many tabs woke. Records that fail to restore stay queued for the next
// sweep.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.load()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var keep, due []WakeRecord
	for _, r := range recs {
		if r.WakeAt.After(now) {
			keep = append(keep, r)
		} else {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	ctx, span := telemetry.StartSnoozeWakeSpan(ctx, len(due))
	defer span.End()

	woken := 0
	for _, r := range due {
		if err := q.restore(ctx, r); err != nil {
			q.logger.Warn("cannot restore snoozed tab",
				zap.String("id", r.ID), zap.String("url", r.URL), zap.Error(err))
			keep = append(keep, r)
			continue
		}
		woken++
	}
	if err := q.save(keep); err != nil {
		return woken, err
	}
	return woken, nil
}

// Run sweeps the queue every interval until ctx is canceled. A zero
// interval means one minute.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil {
				q.logger.Warn("snooze sweep failed", zap.Error(err))
			}
		}
	}
}

// restore recreates the tab: original window when alive, a fresh window
// otherwise, rejoining the original group by title when it survives.
func (q *Queue) restore(ctx context.Context, rec WakeRecord) error {
	windows, err := q.drv.QueryWindows(ctx)
	if err != nil {
		return err
	}
	alive := false
	for _, w := range windows {
		if w.ID == rec.WindowID {
			alive = true
			break
		}
	}

	var created tabs.Tab
	if alive {
		created, err = q.drv.CreateTab(ctx, driver.CreateTabOpts{WindowID: rec.WindowID, URL: rec.URL, Index: -1})
		if err != nil {
			return err
		}
	} else {
		w, err := q.drv.CreateWindow(ctx, driver.CreateWindowOpts{URL: rec.URL})
		if err != nil {
			return err
		}
		if len(w.TabIDs) == 0 {
			return fmt.Errorf("window %d opened without its tab", w.ID)
		}
		created = tabs.Tab{ID: w.TabIDs[0], WindowID: w.ID}
	}

	if rec.GroupTitle != "" {
		if err := q.rejoinGroup(ctx, created, rec.GroupTitle); err != nil {
			q.logger.Warn("woken tab could not rejoin its group",
				zap.Int("tab", created.ID), zap.String("group", rec.GroupTitle), zap.Error(err))
		}
	}
	if q.bus != nil {
		q.bus.Publish(events.Event{
			Type:     events.SnoozeWoke,
			TabID:    created.ID,
			WindowID: created.WindowID,
			Summary:  "restored " + rec.URL,
		})
	}
	return nil
}

func (q *Queue) rejoinGroup(ctx context.Context, t tabs.Tab, title string) error {
	groups, err := q.drv.QueryGroups(ctx, driver.GroupFilter{Title: &title})
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	target := groups[0]
	for _, g := range groups {
		if g.WindowID == t.WindowID {
			target = g
			break
		}
	}
	_, err = q.drv.GroupTabs(ctx, driver.GroupOpts{TabIDs: []int{t.ID}, GroupID: target.ID})
	return err
}

func (q *Queue) groupTitle(ctx context.Context, groupID int) (string, error) {
	groups, err := q.drv.QueryGroups(ctx, driver.GroupFilter{})
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.ID == groupID {
			return g.Title, nil
		}
	}
	return "", nil
}

// load and save hold the queue as one JSON array under storageKey.
// Callers hold q.mu.
func (q *Queue) load() ([]WakeRecord, error) {
	data, ok, err := q.kv.Get(storageKey)
	if err != nil || !ok {
		return nil, err
	}
	var recs []WakeRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode snooze queue: %w", err)
	}
	return recs, nil
}

func (q *Queue) save(recs []WakeRecord) error {
	if len(recs) == 0 {
		if err := q.kv.Remove(storageKey); err != nil {
			return err
		}
		metrics.SetSnoozedTabs(0)
		return nil
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	if err := q.kv.Set(storageKey, data); err != nil {
		return err
	}
	metrics.SetSnoozedTabs(len(recs))
	return nil
}
