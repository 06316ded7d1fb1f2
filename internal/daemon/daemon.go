// Package daemon wires together all tabwarden subsystems and exposes
// the HTTP server. main() builds a Daemon, calls Run, done.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/bridge"
	"github.com/marcus-qen/tabwarden/internal/config"
	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/httpapi"
	"github.com/marcus-qen/tabwarden/internal/mcpserver"
	"github.com/marcus-qen/tabwarden/internal/pairing"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/scheduler"
	"github.com/marcus-qen/tabwarden/internal/snooze"
	"github.com/marcus-qen/tabwarden/internal/storage"
	"github.com/marcus-qen/tabwarden/internal/tabs"
	"github.com/marcus-qen/tabwarden/internal/telemetry"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Daemon is the assembled tab-management service.
type Daemon struct {
	cfg    config.Config
	logger *zap.Logger

	// Core subsystems
	bus     *events.Bus
	drv     driver.Driver
	bridge  *bridge.Bridge // nil in standalone mode
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	snoozes *snooze.Queue
	mcpSrv  *mcpserver.MCPServer

	// Persistence (in-memory fallback when the disk is unavailable)
	ruleStore *rules.Store
	runLog    engine.RunLog
	runLogSQL *engine.SQLiteRunLog
	kv        storage.KV
	kvStore   *storage.Store
	pairStore *pairing.Store

	categories *tabs.CategoryTable

	// HTTP
	api        *httpapi.API
	httpServer *http.Server

	shutdownTracing func(context.Context) error
}

// New builds a fully-wired Daemon from config.
func New(cfg config.Config, logger *zap.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger}

	d.bus = events.NewBus(256)
	if cfg.Engine.RegexBudget > 0 {
		rules.SetRegexBudget(cfg.Engine.RegexBudget)
	}

	if err := d.initStores(); err != nil {
		return nil, err
	}
	d.initCategories()
	d.initPairing()
	d.initBridge()
	d.initEngine()
	d.importRules()
	if err := d.seedScheduler(); err != nil {
		return nil, err
	}

	mcpserver.Version = Version
	d.mcpSrv = mcpserver.New(d.ruleStore, d.engine, d.drv, d.snoozes, logger.Named("mcp"))

	d.api = httpapi.New(httpapi.Config{
		Rules:    d.ruleStore,
		Engine:   d.engine,
		Driver:   d.drv,
		Snoozes:  d.snoozes,
		Pairings: d.pairStore,
		Bridge:   d.bridge,
		Sched:    d.sched,
		Bus:      d.bus,
		Version:  Version,
		Commit:   Commit,
		Date:     Date,
		Logger:   logger.Named("api"),
	})

	mux := http.NewServeMux()
	d.api.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /mcp", d.mcpSrv.Handler())
	mux.Handle("POST /mcp", d.mcpSrv.Handler())

	var handler http.Handler = mux
	if d.pairStore != nil {
		// The bridge socket and the pair endpoint authenticate
		// themselves: the hub checks the token in its hello, pair only
		// answers loopback peers.
		handler = pairing.Middleware(d.pairStore, []string{
			"/healthz",
			"/version",
			"/metrics",
			"/api/v1/pair",
			"/ws/*",
		})(handler)
	}

	d.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	shutdown, err := telemetry.InitTraceProvider(ctx, d.cfg.Telemetry.OTLPEndpoint, Version)
	if err != nil {
		d.logger.Warn("tracing disabled", zap.Error(err))
	} else {
		d.shutdownTracing = shutdown
		if d.cfg.HasTelemetry() {
			d.logger.Info("trace export enabled",
				zap.String("endpoint", d.cfg.Telemetry.OTLPEndpoint))
		}
	}

	d.engine.Start(ctx)
	d.sched.Start(ctx)
	go d.snoozes.Run(ctx, d.cfg.SnoozeSweepInterval())

	d.logger.Info("starting tabwarden daemon",
		zap.String("addr", d.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("standalone", d.cfg.Standalone),
		zap.Bool("rules_persistent", d.ruleStore != nil),
		zap.Bool("runs_persistent", d.runLogSQL != nil),
		zap.Bool("state_persistent", d.kvStore != nil),
		zap.Bool("auth_enabled", d.pairStore != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (d *Daemon) Close() {
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.shutdownTracing(ctx)
		cancel()
	}
	if d.ruleStore != nil {
		_ = d.ruleStore.Close()
	}
	if d.runLogSQL != nil {
		_ = d.runLogSQL.Close()
	}
	if d.kvStore != nil {
		_ = d.kvStore.Close()
	}
	if d.pairStore != nil {
		_ = d.pairStore.Close()
	}
}

// ── Init helpers ─────────────────────────────────────────────

func (d *Daemon) initStores() error {
	if err := os.MkdirAll(d.cfg.DataDir, 0750); err != nil {
		d.logger.Warn("cannot create data dir, state will be in-memory only",
			zap.String("dir", d.cfg.DataDir), zap.Error(err))
	}

	rulesDBPath := filepath.Join(d.cfg.DataDir, "rules.db")
	store, err := rules.NewStore(rulesDBPath)
	if err != nil {
		d.logger.Warn("cannot open rules database, falling back to in-memory",
			zap.String("path", rulesDBPath), zap.Error(err))
		store, err = rules.NewStore(":memory:")
		if err != nil {
			return fmt.Errorf("initialize rules store: %w", err)
		}
	} else {
		d.logger.Info("rules store opened", zap.String("path", rulesDBPath))
	}
	d.ruleStore = store

	runsDBPath := filepath.Join(d.cfg.DataDir, "runs.db")
	if rl, err := engine.NewSQLiteRunLog(runsDBPath); err != nil {
		d.logger.Warn("cannot open run log database, falling back to in-memory",
			zap.String("path", runsDBPath), zap.Error(err))
		d.runLog = engine.NewMemoryRunLog(1000)
	} else {
		d.runLogSQL = rl
		d.runLog = rl
		d.logger.Info("run log opened", zap.String("path", runsDBPath))
	}

	kvDBPath := filepath.Join(d.cfg.DataDir, "state.db")
	if kv, err := storage.NewStore(kvDBPath); err != nil {
		d.logger.Warn("cannot open state database, falling back to in-memory",
			zap.String("path", kvDBPath), zap.Error(err))
		d.kv = storage.NewMemory()
	} else {
		d.kvStore = kv
		d.kv = kv
		d.logger.Info("state store opened", zap.String("path", kvDBPath))
	}

	return nil
}

func (d *Daemon) initCategories() {
	if d.cfg.CategoryTable == "" {
		return
	}
	table, err := tabs.LoadCategoryTable(d.cfg.CategoryTable)
	if err != nil {
		d.logger.Warn("cannot load category table",
			zap.String("path", d.cfg.CategoryTable), zap.Error(err))
		return
	}
	d.categories = table
	d.logger.Info("category table loaded", zap.String("path", d.cfg.CategoryTable))
}

func (d *Daemon) initPairing() {
	pairDBPath := filepath.Join(d.cfg.DataDir, "pairing.db")
	store, err := pairing.NewStore(pairDBPath)
	if err != nil {
		d.logger.Warn("cannot open pairing database, API auth disabled",
			zap.String("path", pairDBPath), zap.Error(err))
		return
	}
	d.pairStore = store
	d.logger.Info("pairing store opened", zap.String("path", pairDBPath))
}

func (d *Daemon) initBridge() {
	if d.cfg.Standalone {
		d.drv = driver.NewMemory()
		d.logger.Info("standalone mode: in-memory browser driver")
		return
	}

	var auth bridge.Authenticator
	if d.pairStore != nil {
		store := d.pairStore
		auth = func(token string) bool {
			_, err := store.Validate(token)
			return err == nil
		}
	}

	d.bridge = bridge.New(d.bus, bridge.Options{
		Authenticate:   auth,
		CommandTimeout: d.cfg.BridgeCommandTimeout(),
		ServerVersion:  Version,
	}, d.logger.Named("bridge"))
	d.drv = d.bridge.Driver()
}

func (d *Daemon) initEngine() {
	d.sched = scheduler.NewScheduler(d.kv, d.runScheduled, d.logger.Named("scheduler"))
	if d.cfg.Engine.DefaultDebounceMs > 0 {
		d.sched.SetDefaultDebounce(d.cfg.Engine.DefaultDebounceMs)
	}

	d.snoozes = snooze.NewQueue(d.kv, d.drv, d.bus, d.logger.Named("snooze"))
	d.engine = engine.New(engine.Config{
		Driver:     d.drv,
		Rules:      d.ruleStore.List,
		Snoozer:    d.snoozes,
		RunLog:     d.runLog,
		Bus:        d.bus,
		Categories: d.categories,
		Notifier:   d.sched,
		Logger:     d.logger.Named("engine"),
	})
}

func (d *Daemon) importRules() {
	if d.cfg.RulesDir == "" {
		return
	}
	n, err := rules.ImportDir(d.ruleStore, d.cfg.RulesDir, d.logger.Named("import"))
	if err != nil {
		d.logger.Warn("rule import failed",
			zap.String("dir", d.cfg.RulesDir), zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("rule documents imported",
			zap.Int("count", n), zap.String("dir", d.cfg.RulesDir))
	}
}

// seedScheduler restores persisted one-shots and installs a trigger for
// every stored rule. Call after importRules so imported documents get
// their timers too.
func (d *Daemon) seedScheduler() error {
	if err := d.sched.Init(); err != nil {
		d.logger.Warn("cannot restore persisted triggers", zap.Error(err))
	}
	list, err := d.ruleStore.List()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, r := range list {
		d.sched.ApplyRule(r)
	}
	return nil
}

// runScheduled is the scheduler's run callback. Results land in the run
// log; only lookup failures are worth a log line here.
func (d *Daemon) runScheduled(ctx context.Context, ruleID string, trigger rules.TriggerKind) {
	if _, err := d.engine.RunRule(ctx, ruleID, engine.RunOpts{Trigger: trigger}); err != nil {
		d.logger.Warn("scheduled rule run failed",
			zap.String("rule_id", ruleID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
}
