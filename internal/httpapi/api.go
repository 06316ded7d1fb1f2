// Package httpapi is the daemon's REST surface: rule CRUD and execution,
// tab and window inspection, the run log, the snooze queue, pairing, the
// SSE event stream and the extension bridge endpoint. Authentication is
// the daemon's job; handlers here assume the pairing middleware already
// ran.
package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/bridge"
	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/pairing"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/scheduler"
	"github.com/marcus-qen/tabwarden/internal/snooze"
)

// Config carries the daemon components the API serves. Bridge, Sched
// and Pairings may be nil (standalone mode, tests, broken pairing DB);
// their endpoints degrade or disappear instead of panicking.
type Config struct {
	Rules    *rules.Store
	Engine   *engine.Engine
	Driver   driver.Driver
	Snoozes  *snooze.Queue
	Pairings *pairing.Store
	Bridge   *bridge.Bridge
	Sched    *scheduler.Scheduler
	Bus      *events.Bus

	Version string
	Commit  string
	Date    string

	Logger *zap.Logger
}

// API exposes the HTTP handlers. Construct with New, mount with
// RegisterRoutes.
type API struct {
	rules    *rules.Store
	engine   *engine.Engine
	drv      driver.Driver
	snoozes  *snooze.Queue
	pairings *pairing.Store
	bridge   *bridge.Bridge
	sched    *scheduler.Scheduler
	bus      *events.Bus

	version string
	commit  string
	date    string

	logger *zap.Logger
}

// New builds the API from daemon components.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		rules:    cfg.Rules,
		engine:   cfg.Engine,
		drv:      cfg.Driver,
		snoozes:  cfg.Snoozes,
		pairings: cfg.Pairings,
		bridge:   cfg.Bridge,
		sched:    cfg.Sched,
		bus:      cfg.Bus,
		version:  cfg.Version,
		commit:   cfg.Commit,
		date:     cfg.Date,
		logger:   logger,
	}
}

// RegisterRoutes mounts every endpoint on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /version", a.handleVersion)

	// Rules CRUD
	mux.HandleFunc("GET /api/v1/rules", a.handleListRules)
	mux.HandleFunc("POST /api/v1/rules", a.handleCreateRule)
	mux.HandleFunc("GET /api/v1/rules/{id}", a.handleGetRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", a.handleUpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", a.handleDeleteRule)

	// Rule execution
	mux.HandleFunc("POST /api/v1/rules/run", a.handleRunRules)
	mux.HandleFunc("POST /api/v1/rules/{id}/run", a.handleRunRule)
	mux.HandleFunc("GET /api/v1/rules/{id}/preview", a.handlePreviewRule)

	// Browser state
	mux.HandleFunc("GET /api/v1/tabs", a.handleListTabs)
	mux.HandleFunc("GET /api/v1/windows", a.handleListWindows)
	mux.HandleFunc("GET /api/v1/bridge", a.handleBridgeStatus)

	// Run log
	mux.HandleFunc("GET /api/v1/runs", a.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", a.handleGetRun)

	// Snooze queue
	mux.HandleFunc("GET /api/v1/snoozes", a.handleListSnoozes)
	mux.HandleFunc("DELETE /api/v1/snoozes/{id}", a.handleCancelSnooze)
	mux.HandleFunc("POST /api/v1/snoozes/{id}/wake", a.handleWakeSnooze)

	// Pairing
	if a.pairings != nil {
		mux.HandleFunc("POST /api/v1/pair", a.handlePair)
		mux.HandleFunc("GET /api/v1/pairings", a.handleListPairings)
		mux.HandleFunc("DELETE /api/v1/pairings/{id}", a.handleRevokePairing)
	}

	// Events SSE stream
	mux.HandleFunc("GET /api/v1/events", a.handleEventsSSE)

	// Extension bridge
	if a.bridge != nil {
		mux.HandleFunc("GET /ws/bridge", a.bridge.HandleWS)
	}
}
