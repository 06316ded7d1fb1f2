package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/protocol"
)

// Options configures a Bridge.
type Options struct {
	// Authenticate validates pairing tokens; nil disables auth (tests).
	Authenticate Authenticator
	// CommandTimeout bounds each driver round trip; zero means 10s.
	CommandTimeout time.Duration
	// ServerVersion is reported in hello acks.
	ServerVersion string
}

// Bridge ties the hub, the command tracker and the bridge driver together
// and routes incoming extension messages: command results to waiting
// callers, tab events and snapshots onto the bus.
type Bridge struct {
	hub     *Hub
	tracker *Tracker
	drv     *Driver
	bus     *events.Bus
	logger  *zap.Logger
}

// New assembles a bridge. bus may be nil; browser events are then dropped.
func New(bus *events.Bus, opts Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{bus: bus, logger: logger}
	b.hub = NewHub(logger, b.handleMessage)
	if opts.Authenticate != nil {
		b.hub.SetAuthenticator(opts.Authenticate)
	}
	b.hub.SetServerVersion(opts.ServerVersion)
	b.hub.SetLifecycleHooks(b.connected, b.disconnected)

	ttl := opts.CommandTimeout
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	// TTL past the per-call timeout so the reaper only collects abandoned
	// entries, never races a live caller.
	b.tracker = NewTracker(2 * ttl)
	b.drv = NewDriver(b.hub, b.tracker, opts.CommandTimeout, logger)
	return b
}

// Driver returns the browser driver backed by this bridge.
func (b *Bridge) Driver() driver.Driver { return b.drv }

// HandleWS serves the extension's WebSocket endpoint.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) { b.hub.HandleWS(w, r) }

// Connected reports whether an extension is on the socket.
func (b *Bridge) Connected() bool { return b.hub.Connected() }

// ClientInfo returns info about the connected extension, nil without one.
func (b *Bridge) ClientInfo() *Info { return b.hub.ClientInfo() }

// Close cancels pending commands and stops the tracker.
func (b *Bridge) Close() { b.tracker.Close() }

func (b *Bridge) connected() {
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.BridgeConnected, Summary: "extension connected"})
	}
}

func (b *Bridge) disconnected() {
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.BridgeDisconnected, Summary: "extension disconnected"})
	}
}

// handleMessage processes incoming WebSocket messages from the extension.
func (b *Bridge) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgCommandResult:
		data, _ := json.Marshal(env.Payload)
		var res protocol.CommandResultPayload
		if err := json.Unmarshal(data, &res); err != nil {
			b.logger.Warn("bad command result payload", zap.Error(err))
			return
		}
		if err := b.tracker.Complete(res.RequestID, &res); err != nil {
			b.logger.Debug("no waiting caller for result", zap.String("request_id", res.RequestID))
		}

	case protocol.MsgTabEvent:
		data, _ := json.Marshal(env.Payload)
		var ev protocol.TabEventPayload
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Warn("bad tab event payload", zap.Error(err))
			return
		}
		b.publishTabEvent(ev)

	case protocol.MsgSnapshot:
		data, _ := json.Marshal(env.Payload)
		var snap protocol.SnapshotPayload
		if err := json.Unmarshal(data, &snap); err != nil {
			b.logger.Warn("bad snapshot payload", zap.Error(err))
			return
		}
		// Replay the snapshot as sightings so the tab ledger warms up and
		// immediate rules get one debounced run after connect.
		b.logger.Info("browser snapshot received",
			zap.Int("tabs", len(snap.Tabs)),
			zap.Int("windows", len(snap.Windows)),
		)
		if b.bus == nil {
			return
		}
		for _, t := range snap.Tabs {
			b.bus.Publish(events.Event{Type: events.TabCreated, TabID: t.ID, WindowID: t.WindowID})
		}

	case protocol.MsgError:
		data, _ := json.Marshal(env.Payload)
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(data, &ep); err != nil {
			b.logger.Warn("bad error payload", zap.Error(err))
			return
		}
		b.logger.Warn("extension reported an error", zap.String("message", ep.Message))

	default:
		b.logger.Debug("unhandled message type", zap.String("type", string(env.Type)))
	}
}

// publishTabEvent maps a wire tab event onto the bus.
func (b *Bridge) publishTabEvent(ev protocol.TabEventPayload) {
	if b.bus == nil {
		return
	}
	var typ events.EventType
	switch ev.Event {
	case protocol.EventTabCreated:
		typ = events.TabCreated
	case protocol.EventTabUpdated:
		typ = events.TabUpdated
	case protocol.EventTabActivated:
		typ = events.TabActivated
	case protocol.EventTabRemoved:
		typ = events.TabRemoved
	default:
		b.logger.Debug("unknown tab event", zap.String("event", ev.Event))
		return
	}
	b.bus.Publish(events.Event{Type: typ, TabID: ev.TabID, WindowID: ev.WindowID})
}
