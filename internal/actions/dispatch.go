package actions

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// PerActionResult is one action's outcome for one tab, or for one batch
// partition when the action is batch-scoped (TabID 0).
type PerActionResult struct {
	TabID   int            `json:"tabId,omitempty"`
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Snoozer enqueues a wake record for a tab about to be snoozed away. The
// dispatcher persists the record first and closes the tab after, so a crash
// in between leaves the tab open rather than lost.
type Snoozer interface {
	Snooze(ctx context.Context, t tabs.Tab, wakeAt time.Time, reason string) error
}

// ExecuteOpts tunes one dispatch pass.
type ExecuteOpts struct {
	// DryRun previews: every would-be driver call becomes a success
	// result with details {"preview": true} and no driver mutation.
	DryRun bool
	// Now anchors relative snooze wake times. Zero means time.Now.
	Now time.Time
	// CallerWindowID resolves close-duplicates scope "window" when the
	// action itself names no window.
	CallerWindowID int
}

// Dispatcher executes a rule's then-list against the matched tabs.
type Dispatcher struct {
	driver  driver.Driver
	snoozer Snoozer
	logger  *zap.Logger
}

// NewDispatcher wires a dispatcher. snoozer may be nil; snooze actions then
// fail per tab instead of losing them.
func NewDispatcher(drv driver.Driver, snoozer Snoozer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{driver: drv, snoozer: snoozer, logger: logger}
}

// Execute parses, orders and runs the records against the matched tabs.
// Unknown actions, malformed parameters and driver failures all become
// failed results; nothing aborts the pass.
func (d *Dispatcher) Execute(ctx context.Context, recs []Record, matched []*tabs.EnrichedTab, opts ExecuteOpts) ([]PerActionResult, []Conflict) {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	var results []PerActionResult
	parsed := make([]Action, 0, len(recs))
	for _, rec := range recs {
		act, err := Parse(rec)
		if err != nil {
			results = append(results, PerActionResult{Action: rec.Action, Success: false, Error: err.Error()})
			continue
		}
		parsed = append(parsed, act)
	}

	conflicts := DetectConflicts(parsed)
	for _, act := range SortByPriority(parsed) {
		results = append(results, d.run(ctx, act, matched, opts)...)
	}
	return results, conflicts
}

func (d *Dispatcher) run(ctx context.Context, act Action, matched []*tabs.EnrichedTab, opts ExecuteOpts) (out []PerActionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action panicked",
				zap.String("action", actionName(act)),
				zap.Any("panic", r))
			out = append(out, PerActionResult{
				Action:  actionName(act),
				Success: false,
				Error:   fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	switch a := act.(type) {
	case Close:
		return d.perTab(ctx, act, matched, opts, func(ctx context.Context, t *tabs.EnrichedTab) error {
			return d.driver.RemoveTabs(ctx, []int{t.ID})
		})
	case Pin:
		return d.perTab(ctx, act, matched, opts, d.setPinned(true))
	case Unpin:
		return d.perTab(ctx, act, matched, opts, d.setPinned(false))
	case Mute:
		return d.perTab(ctx, act, matched, opts, d.setMuted(true))
	case Unmute:
		return d.perTab(ctx, act, matched, opts, d.setMuted(false))
	case Suspend:
		return d.dispatchSuspend(ctx, matched, opts)
	case Snooze:
		return d.dispatchSnooze(ctx, a, matched, opts)
	case Bookmark:
		return d.dispatchBookmark(ctx, a, matched, opts)
	case Group:
		return d.dispatchGroup(ctx, a, matched, opts)
	case Move:
		return d.dispatchMove(ctx, a, matched, opts)
	case CloseDuplicates:
		return d.dispatchCloseDuplicates(ctx, a, matched, opts)
	case Unknown:
		return dispatchUnknown(a, matched)
	}
	return nil
}

// perTab runs one driver call per matched tab, in input order.
func (d *Dispatcher) perTab(ctx context.Context, act Action, matched []*tabs.EnrichedTab, opts ExecuteOpts, do func(context.Context, *tabs.EnrichedTab) error) []PerActionResult {
	name := actionName(act)
	out := make([]PerActionResult, 0, len(matched))
	for _, t := range matched {
		if opts.DryRun {
			out = append(out, previewResult(t.ID, name))
			continue
		}
		res := PerActionResult{TabID: t.ID, Action: name, Success: true}
		if err := do(ctx, t); err != nil {
			res.Success, res.Error = false, err.Error()
		}
		out = append(out, res)
	}
	return out
}

func (d *Dispatcher) setPinned(v bool) func(context.Context, *tabs.EnrichedTab) error {
	return func(ctx context.Context, t *tabs.EnrichedTab) error {
		return d.driver.UpdateTab(ctx, t.ID, driver.UpdateTabOpts{Pinned: &v})
	}
}

func (d *Dispatcher) setMuted(v bool) func(context.Context, *tabs.EnrichedTab) error {
	return func(ctx context.Context, t *tabs.EnrichedTab) error {
		return d.driver.UpdateTab(ctx, t.ID, driver.UpdateTabOpts{Muted: &v})
	}
}

func (d *Dispatcher) dispatchSuspend(ctx context.Context, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	out := make([]PerActionResult, 0, len(matched))
	for _, t := range matched {
		if reason := suspendSkipReason(t); reason != "" {
			out = append(out, PerActionResult{
				TabID:   t.ID,
				Action:  string(KindSuspend),
				Success: true,
				Details: map[string]any{"skipped": true, "reason": reason},
			})
			continue
		}
		if opts.DryRun {
			out = append(out, previewResult(t.ID, string(KindSuspend)))
			continue
		}
		res := PerActionResult{TabID: t.ID, Action: string(KindSuspend), Success: true}
		if err := d.driver.DiscardTab(ctx, t.ID); err != nil {
			res.Success, res.Error = false, err.Error()
		}
		out = append(out, res)
	}
	return out
}

// suspendSkipReason reports why the tab is exempt from discarding, or "".
func suspendSkipReason(t *tabs.EnrichedTab) string {
	switch {
	case t.Active:
		return "active"
	case t.Pinned:
		return "pinned"
	case t.Audible:
		return "audible"
	case t.Discarded:
		return "already discarded"
	}
	return ""
}

func (d *Dispatcher) dispatchSnooze(ctx context.Context, a Snooze, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	wakeAt := a.Until
	if wakeAt.IsZero() {
		wakeAt = opts.Now.Add(a.For)
	}
	out := make([]PerActionResult, 0, len(matched))
	for _, t := range matched {
		if opts.DryRun {
			res := previewResult(t.ID, string(KindSnooze))
			res.Details["wakeAt"] = wakeAt.Format(time.RFC3339)
			out = append(out, res)
			continue
		}
		res := PerActionResult{
			TabID:   t.ID,
			Action:  string(KindSnooze),
			Success: true,
			Details: map[string]any{"wakeAt": wakeAt.Format(time.RFC3339)},
		}
		switch {
		case d.snoozer == nil:
			res.Success, res.Error = false, "no snooze queue configured"
		default:
			if err := d.snoozer.Snooze(ctx, t.Tab, wakeAt, a.Reason); err != nil {
				res.Success, res.Error = false, err.Error()
			} else if err := d.driver.RemoveTabs(ctx, []int{t.ID}); err != nil {
				res.Success, res.Error = false, err.Error()
			}
		}
		out = append(out, res)
	}
	return out
}

func (d *Dispatcher) dispatchBookmark(ctx context.Context, a Bookmark, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	if len(matched) == 0 {
		return nil
	}
	if opts.DryRun {
		out := make([]PerActionResult, 0, len(matched))
		for _, t := range matched {
			res := previewResult(t.ID, string(KindBookmark))
			res.Details["folder"] = a.Folder
			out = append(out, res)
		}
		return out
	}

	folderID, err := d.resolveFolder(ctx, a.Folder)
	if err != nil {
		return []PerActionResult{{
			Action:  string(KindBookmark),
			Success: false,
			Error:   fmt.Sprintf("resolve folder %q: %v", a.Folder, err),
		}}
	}
	out := make([]PerActionResult, 0, len(matched))
	for _, t := range matched {
		res := PerActionResult{
			TabID:   t.ID,
			Action:  string(KindBookmark),
			Success: true,
			Details: map[string]any{"folder": a.Folder},
		}
		title := t.Title
		if title == "" {
			title = t.URL
		}
		if _, err := d.driver.CreateBookmark(ctx, driver.CreateBookmarkOpts{ParentID: folderID, Title: title, URL: t.URL}); err != nil {
			res.Success, res.Error = false, err.Error()
		}
		out = append(out, res)
	}
	return out
}

// resolveFolder finds the named folder, creating it under Other Bookmarks
// on first use.
func (d *Dispatcher) resolveFolder(ctx context.Context, name string) (string, error) {
	nodes, err := d.driver.SearchBookmarks(ctx, name)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.URL == "" && n.Title == name {
			return n.ID, nil
		}
	}
	created, err := d.driver.CreateBookmark(ctx, driver.CreateBookmarkOpts{ParentID: driver.OtherBookmarksID, Title: name})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, a Group, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	if len(matched) == 0 {
		return nil
	}

	type partition struct {
		name     string
		windowID int
		ids      []int
	}
	var parts []*partition
	if a.ByDomain {
		byDomain := make(map[string]*partition)
		for _, t := range matched {
			name := t.Domain
			if name == "" {
				name = "other"
			}
			p, ok := byDomain[name]
			if !ok {
				p = &partition{name: name, windowID: t.WindowID}
				byDomain[name] = p
				parts = append(parts, p)
			}
			p.ids = append(p.ids, t.ID)
		}
	} else {
		p := &partition{name: a.Name, windowID: matched[0].WindowID}
		for _, t := range matched {
			p.ids = append(p.ids, t.ID)
		}
		parts = append(parts, p)
	}

	out := make([]PerActionResult, 0, len(parts))
	for _, p := range parts {
		windowID := p.windowID
		if a.WindowID > 0 {
			windowID = a.WindowID
		}
		details := map[string]any{"group": p.name, "tabs": len(p.ids)}
		if opts.DryRun {
			details["preview"] = true
			out = append(out, PerActionResult{Action: string(KindGroup), Success: true, Details: details})
			continue
		}
		groupID, err := d.groupUnderTitle(ctx, windowID, p.name, p.ids, a.CreateIfMissing)
		switch {
		case err != nil:
			out = append(out, PerActionResult{Action: string(KindGroup), Success: false, Error: err.Error(), Details: details})
		case groupID == 0:
			details["skipped"] = true
			details["reason"] = "no existing group"
			out = append(out, PerActionResult{Action: string(KindGroup), Success: true, Details: details})
		default:
			details["groupId"] = groupID
			out = append(out, PerActionResult{Action: string(KindGroup), Success: true, Details: details})
		}
	}
	return out
}

// groupUnderTitle adds the tabs to the group with this title in the window,
// creating and coloring one when absent. Returns 0 when the group is
// missing and createIfMissing is off.
func (d *Dispatcher) groupUnderTitle(ctx context.Context, windowID int, title string, ids []int, createIfMissing bool) (int, error) {
	existing, err := d.findGroup(ctx, windowID, title)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return d.driver.GroupTabs(ctx, driver.GroupOpts{TabIDs: ids, GroupID: existing})
	}
	if !createIfMissing {
		return 0, nil
	}
	groupID, err := d.driver.GroupTabs(ctx, driver.GroupOpts{TabIDs: ids})
	if err != nil {
		return 0, err
	}
	name, color := title, colorFor(title)
	if err := d.driver.UpdateGroup(ctx, groupID, driver.GroupUpdate{Title: &name, Color: &color}); err != nil {
		return 0, err
	}
	return groupID, nil
}

// findGroup returns the id of the group titled name in the window, or 0.
func (d *Dispatcher) findGroup(ctx context.Context, windowID int, name string) (int, error) {
	f := driver.GroupFilter{Title: &name}
	if windowID > 0 {
		f.WindowID = &windowID
	}
	groups, err := d.driver.QueryGroups(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	return groups[0].ID, nil
}

// groupPalette is the browser's tab group color set.
var groupPalette = []string{"grey", "blue", "red", "yellow", "green", "pink", "purple", "cyan", "orange"}

// colorFor picks a stable palette color from the group title, so the same
// domain gets the same color across runs.
func colorFor(title string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(title))
	return groupPalette[int(h.Sum32())%len(groupPalette)]
}

func (d *Dispatcher) dispatchMove(ctx context.Context, a Move, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	if len(matched) == 0 {
		return nil
	}
	out := make([]PerActionResult, 0, len(matched))
	if opts.DryRun {
		for _, t := range matched {
			res := previewResult(t.ID, string(KindMove))
			res.Details["windowId"] = a.WindowID
			out = append(out, res)
		}
		return out
	}

	// The move strips group membership, so capture titles up front.
	groupTitle := make(map[int]string)
	if a.PreserveGroup {
		groups, err := d.driver.QueryGroups(ctx, driver.GroupFilter{})
		if err != nil {
			d.logger.Warn("cannot query groups, moved tabs will not rejoin", zap.Error(err))
		} else {
			titleByID := make(map[int]string, len(groups))
			for _, g := range groups {
				titleByID[g.ID] = g.Title
			}
			for _, t := range matched {
				if t.GroupID == tabs.GroupNone {
					continue
				}
				if title, ok := titleByID[t.GroupID]; ok && title != "" {
					groupTitle[t.ID] = title
				}
			}
		}
	}

	ids := make([]int, 0, len(matched))
	for _, t := range matched {
		ids = append(ids, t.ID)
	}
	if err := d.driver.MoveTabs(ctx, ids, driver.MoveOpts{WindowID: a.WindowID, Index: -1}); err != nil {
		for _, t := range matched {
			out = append(out, PerActionResult{TabID: t.ID, Action: string(KindMove), Success: false, Error: err.Error()})
		}
		return out
	}
	for _, t := range matched {
		out = append(out, PerActionResult{
			TabID:   t.ID,
			Action:  string(KindMove),
			Success: true,
			Details: map[string]any{"windowId": a.WindowID},
		})
	}

	// Rebuild groups by title in the target window.
	byTitle := make(map[string][]int)
	for id, title := range groupTitle {
		byTitle[title] = append(byTitle[title], id)
	}
	titles := make([]string, 0, len(byTitle))
	for title := range byTitle {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	for _, title := range titles {
		members := byTitle[title]
		sort.Ints(members)
		if _, err := d.groupUnderTitle(ctx, a.WindowID, title, members, true); err != nil {
			d.logger.Warn("cannot regroup moved tabs", zap.String("title", title), zap.Error(err))
		}
	}
	return out
}

func (d *Dispatcher) dispatchCloseDuplicates(ctx context.Context, a CloseDuplicates, matched []*tabs.EnrichedTab, opts ExecuteOpts) []PerActionResult {
	if a.Keep == KeepAll {
		return nil
	}

	pool := matched
	if a.Scope == ScopeWindow {
		windowID := a.WindowID
		if windowID == 0 {
			windowID = opts.CallerWindowID
		}
		if windowID != 0 {
			pool = filterWindow(matched, windowID)
		}
	}
	var pools [][]*tabs.EnrichedTab
	if a.Scope == ScopePerWindow {
		pools = splitByWindow(pool)
	} else {
		pools = [][]*tabs.EnrichedTab{pool}
	}

	var toClose []*tabs.EnrichedTab
	for _, p := range pools {
		toClose = append(toClose, duplicatesToClose(p, a.Keep)...)
	}

	out := make([]PerActionResult, 0, len(toClose))
	for _, t := range toClose {
		if opts.DryRun {
			res := previewResult(t.ID, string(KindCloseDuplicates))
			res.Details["dupeKey"] = t.DupeKey
			out = append(out, res)
			continue
		}
		res := PerActionResult{
			TabID:   t.ID,
			Action:  string(KindCloseDuplicates),
			Success: true,
			Details: map[string]any{"dupeKey": t.DupeKey},
		}
		if err := d.driver.RemoveTabs(ctx, []int{t.ID}); err != nil {
			res.Success, res.Error = false, err.Error()
		}
		out = append(out, res)
	}
	return out
}

// duplicatesToClose selects the non-keepers in every dupeKey group of size
// two or more, preserving pool order.
func duplicatesToClose(pool []*tabs.EnrichedTab, keep Keep) []*tabs.EnrichedTab {
	byKey := make(map[string][]*tabs.EnrichedTab)
	var order []string
	for _, t := range pool {
		if t.DupeKey == "" {
			continue
		}
		if _, ok := byKey[t.DupeKey]; !ok {
			order = append(order, t.DupeKey)
		}
		byKey[t.DupeKey] = append(byKey[t.DupeKey], t)
	}

	var out []*tabs.EnrichedTab
	for _, key := range order {
		group := byKey[key]
		if len(group) < 2 {
			continue
		}
		if keep == KeepNone {
			out = append(out, group...)
			continue
		}
		keeper := pickKeeper(group, keep)
		for _, t := range group {
			if t != keeper {
				out = append(out, t)
			}
		}
	}
	return out
}

// pickKeeper chooses the surviving member of a duplicate group.
func pickKeeper(group []*tabs.EnrichedTab, keep Keep) *tabs.EnrichedTab {
	keeper := group[0]
	for _, t := range group[1:] {
		switch keep {
		case KeepNewest:
			if createdAfter(t, keeper) {
				keeper = t
			}
		case KeepMRU:
			if accessedAfter(t, keeper) {
				keeper = t
			}
		case KeepLRU:
			if accessedAfter(keeper, t) {
				keeper = t
			}
		default: // oldest
			if createdAfter(keeper, t) {
				keeper = t
			}
		}
	}
	return keeper
}

// createdAfter reports whether a was created after b, falling back to tab
// id when creation times tie or are unknown.
func createdAfter(a, b *tabs.EnrichedTab) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// accessedAfter orders by last access, then creation, then id.
func accessedAfter(a, b *tabs.EnrichedTab) bool {
	if !a.LastAccessed.Equal(b.LastAccessed) {
		return a.LastAccessed.After(b.LastAccessed)
	}
	return createdAfter(a, b)
}

func filterWindow(pool []*tabs.EnrichedTab, windowID int) []*tabs.EnrichedTab {
	var out []*tabs.EnrichedTab
	for _, t := range pool {
		if t.WindowID == windowID {
			out = append(out, t)
		}
	}
	return out
}

// splitByWindow partitions the pool per window, preserving pool order
// inside each partition.
func splitByWindow(pool []*tabs.EnrichedTab) [][]*tabs.EnrichedTab {
	byWindow := make(map[int][]*tabs.EnrichedTab)
	var order []int
	for _, t := range pool {
		if _, ok := byWindow[t.WindowID]; !ok {
			order = append(order, t.WindowID)
		}
		byWindow[t.WindowID] = append(byWindow[t.WindowID], t)
	}
	out := make([][]*tabs.EnrichedTab, 0, len(order))
	for _, id := range order {
		out = append(out, byWindow[id])
	}
	return out
}

func dispatchUnknown(a Unknown, matched []*tabs.EnrichedTab) []PerActionResult {
	out := make([]PerActionResult, 0, len(matched))
	for _, t := range matched {
		out = append(out, PerActionResult{
			TabID:   t.ID,
			Action:  a.Name,
			Success: false,
			Error:   fmt.Sprintf("Unknown action: %s", a.Name),
		})
	}
	return out
}

func actionName(act Action) string {
	if u, ok := act.(Unknown); ok {
		return u.Name
	}
	return string(act.Kind())
}

func previewResult(tabID int, action string) PerActionResult {
	return PerActionResult{
		TabID:   tabID,
		Action:  action,
		Success: true,
		Details: map[string]any{"preview": true},
	}
}
