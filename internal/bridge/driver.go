package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/protocol"
	"github.com/marcus-qen/tabwarden/internal/tabs"
	"github.com/marcus-qen/tabwarden/internal/telemetry"
)

// Driver issues browser calls over the hub and waits for the extension's
// results. It implements driver.Driver; every call is one command round
// trip on the socket.
type Driver struct {
	hub     *Hub
	tracker *Tracker
	timeout time.Duration
	logger  *zap.Logger
}

var _ driver.Driver = (*Driver)(nil)

// NewDriver wires a bridge driver. timeout bounds each round trip; zero
// means 10 seconds.
func NewDriver(hub *Hub, tracker *Tracker, timeout time.Duration, logger *zap.Logger) *Driver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{hub: hub, tracker: tracker, timeout: timeout, logger: logger}
}

// call runs one command round trip: track, send, await.
func (d *Driver) call(ctx context.Context, method string, params any) (data json.RawMessage, err error) {
	ctx, span := telemetry.StartDriverCallSpan(ctx, method)
	defer func() { telemetry.EndDriverCallSpan(span, err) }()

	requestID := uuid.NewString()
	pc := d.tracker.Track(requestID, method)

	if err = d.hub.SendCommand(protocol.CommandPayload{
		RequestID: requestID,
		Method:    method,
		Params:    params,
	}); err != nil {
		d.tracker.Cancel(requestID)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		d.tracker.Cancel(requestID)
		err = ctx.Err()
		return nil, err
	case <-timer.C:
		d.tracker.Cancel(requestID)
		err = fmt.Errorf("%s: no result within %v", method, d.timeout)
		return nil, err
	case res, ok := <-pc.Result:
		if !ok {
			err = fmt.Errorf("%s: command canceled", method)
			return nil, err
		}
		if !res.OK {
			err = resultError(method, res)
			return nil, err
		}
		return res.Data, nil
	}
}

// resultError lifts a failed command result into an error, mapping the
// extension's not_found code onto the driver sentinel.
func resultError(method string, res *protocol.CommandResultPayload) error {
	if res.Code == protocol.CodeNotFound {
		return fmt.Errorf("%s: %w", method, driver.ErrNotFound)
	}
	msg := res.Error
	if msg == "" {
		msg = "command failed"
	}
	return fmt.Errorf("%s: %s", method, msg)
}

func decodeInto(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (d *Driver) QueryTabs(ctx context.Context, f driver.TabFilter) ([]tabs.Tab, error) {
	data, err := d.call(ctx, protocol.MethodQueryTabs, protocol.QueryTabsParams{WindowID: f.WindowID})
	if err != nil {
		return nil, err
	}
	var out []tabs.Tab
	if err := decodeInto(data, &out); err != nil {
		return nil, fmt.Errorf("decode tabs: %w", err)
	}
	return out, nil
}

func (d *Driver) QueryWindows(ctx context.Context) ([]tabs.Window, error) {
	data, err := d.call(ctx, protocol.MethodQueryWindows, nil)
	if err != nil {
		return nil, err
	}
	var out []tabs.Window
	if err := decodeInto(data, &out); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}
	return out, nil
}

func (d *Driver) RemoveTabs(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.call(ctx, protocol.MethodRemoveTabs, protocol.RemoveTabsParams{IDs: ids})
	return err
}

func (d *Driver) UpdateTab(ctx context.Context, id int, opts driver.UpdateTabOpts) error {
	_, err := d.call(ctx, protocol.MethodUpdateTab, protocol.UpdateTabParams{
		ID:     id,
		Pinned: opts.Pinned,
		Muted:  opts.Muted,
		Active: opts.Active,
	})
	return err
}

func (d *Driver) MoveTabs(ctx context.Context, ids []int, opts driver.MoveOpts) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.call(ctx, protocol.MethodMoveTabs, protocol.MoveTabsParams{
		IDs:      ids,
		WindowID: opts.WindowID,
		Index:    opts.Index,
	})
	return err
}

func (d *Driver) DiscardTab(ctx context.Context, id int) error {
	_, err := d.call(ctx, protocol.MethodDiscardTab, protocol.DiscardTabParams{ID: id})
	return err
}

func (d *Driver) GroupTabs(ctx context.Context, opts driver.GroupOpts) (int, error) {
	data, err := d.call(ctx, protocol.MethodGroupTabs, protocol.GroupTabsParams{
		TabIDs:  opts.TabIDs,
		GroupID: opts.GroupID,
	})
	if err != nil {
		return 0, err
	}
	var out protocol.GroupTabsResult
	if err := decodeInto(data, &out); err != nil {
		return 0, fmt.Errorf("decode group result: %w", err)
	}
	return out.GroupID, nil
}

func (d *Driver) UpdateGroup(ctx context.Context, id int, upd driver.GroupUpdate) error {
	_, err := d.call(ctx, protocol.MethodUpdateGroup, protocol.UpdateGroupParams{
		ID:        id,
		Title:     upd.Title,
		Color:     upd.Color,
		Collapsed: upd.Collapsed,
	})
	return err
}

func (d *Driver) QueryGroups(ctx context.Context, f driver.GroupFilter) ([]driver.TabGroup, error) {
	data, err := d.call(ctx, protocol.MethodQueryGroups, protocol.QueryGroupsParams{
		WindowID: f.WindowID,
		Title:    f.Title,
	})
	if err != nil {
		return nil, err
	}
	var out []driver.TabGroup
	if err := decodeInto(data, &out); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return out, nil
}

func (d *Driver) CreateBookmark(ctx context.Context, opts driver.CreateBookmarkOpts) (driver.BookmarkNode, error) {
	data, err := d.call(ctx, protocol.MethodCreateBookmark, protocol.CreateBookmarkParams{
		ParentID: opts.ParentID,
		Title:    opts.Title,
		URL:      opts.URL,
	})
	if err != nil {
		return driver.BookmarkNode{}, err
	}
	var out driver.BookmarkNode
	if err := decodeInto(data, &out); err != nil {
		return driver.BookmarkNode{}, fmt.Errorf("decode bookmark: %w", err)
	}
	return out, nil
}

func (d *Driver) SearchBookmarks(ctx context.Context, query string) ([]driver.BookmarkNode, error) {
	data, err := d.call(ctx, protocol.MethodSearchBookmarks, protocol.SearchBookmarksParams{Query: query})
	if err != nil {
		return nil, err
	}
	var out []driver.BookmarkNode
	if err := decodeInto(data, &out); err != nil {
		return nil, fmt.Errorf("decode bookmarks: %w", err)
	}
	return out, nil
}

func (d *Driver) CreateWindow(ctx context.Context, opts driver.CreateWindowOpts) (tabs.Window, error) {
	data, err := d.call(ctx, protocol.MethodCreateWindow, protocol.CreateWindowParams{
		URL:     opts.URL,
		Focused: opts.Focused,
	})
	if err != nil {
		return tabs.Window{}, err
	}
	var out tabs.Window
	if err := decodeInto(data, &out); err != nil {
		return tabs.Window{}, fmt.Errorf("decode window: %w", err)
	}
	return out, nil
}

func (d *Driver) CreateTab(ctx context.Context, opts driver.CreateTabOpts) (tabs.Tab, error) {
	data, err := d.call(ctx, protocol.MethodCreateTab, protocol.CreateTabParams{
		WindowID: opts.WindowID,
		URL:      opts.URL,
		Active:   opts.Active,
		Index:    opts.Index,
	})
	if err != nil {
		return tabs.Tab{}, err
	}
	var out tabs.Tab
	if err := decodeInto(data, &out); err != nil {
		return tabs.Tab{}, fmt.Errorf("decode tab: %w", err)
	}
	return out, nil
}
