package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/config"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return newTestDaemonWith(t, func(*config.Config) {})
}

func newTestDaemonWith(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.Standalone = true
	mutate(&cfg)

	d, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestNew_InitializesCoreComponents(t *testing.T) {
	d := newTestDaemon(t)

	if d.bus == nil {
		t.Fatal("event bus not initialized")
	}
	if d.drv == nil {
		t.Fatal("browser driver not initialized")
	}
	if d.engine == nil {
		t.Fatal("engine not initialized")
	}
	if d.sched == nil {
		t.Fatal("scheduler not initialized")
	}
	if d.snoozes == nil {
		t.Fatal("snooze queue not initialized")
	}
	if d.mcpSrv == nil {
		t.Fatal("mcp server not initialized")
	}
	if d.ruleStore == nil {
		t.Fatal("rule store not initialized")
	}
	if d.runLogSQL == nil {
		t.Fatal("run log not persistent")
	}
	if d.kvStore == nil {
		t.Fatal("state store not persistent")
	}
	if d.pairStore == nil {
		t.Fatal("pairing store not initialized")
	}
	if d.api == nil {
		t.Fatal("http api not initialized")
	}
	if d.httpServer == nil {
		t.Fatal("http server not initialized")
	}
}

func TestStandaloneModeHasNoBridge(t *testing.T) {
	d := newTestDaemon(t)
	if d.bridge != nil {
		t.Fatal("standalone daemon must not open a bridge")
	}
}

func TestBridgeModeWiresBridgeDriver(t *testing.T) {
	d := newTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Standalone = false
	})
	if d.bridge == nil {
		t.Fatal("bridge not initialized")
	}
	if d.drv != d.bridge.Driver() {
		t.Fatal("engine driver must be the bridge driver")
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	d := newTestDaemon(t)

	rr := httptest.NewRecorder()
	d.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	d := newTestDaemon(t)

	rr := httptest.NewRecorder()
	d.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rr.Code)
	}
}

func TestPairThenAuthorizedRequest(t *testing.T) {
	d := newTestDaemon(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pair",
		strings.NewReader(`{"name": "test-cli"}`))
	req.RemoteAddr = "127.0.0.1:54321"
	rr := httptest.NewRecorder()
	d.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("pair: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode pair response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("pair response missing token")
	}

	authed := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	authed.Header.Set("Authorization", "Bearer "+resp.Token)
	rr = httptest.NewRecorder()
	d.httpServer.Handler.ServeHTTP(rr, authed)

	if rr.Code != http.StatusOK {
		t.Fatalf("authorized list: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpointSkipsAuth(t *testing.T) {
	d := newTestDaemon(t)

	rr := httptest.NewRecorder()
	d.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tabwarden_bridge_connections") {
		t.Fatal("metrics output missing daemon gauges")
	}
}

func TestImportRulesFromDir(t *testing.T) {
	rulesDir := t.TempDir()
	doc := `{"name": "imported", "when": {"contains": ["tab.url", "example.com"]}, "then": [{"action": "close"}], "trigger": {"on_action": true}}`
	if err := os.WriteFile(filepath.Join(rulesDir, "imported.json"), []byte(doc), 0644); err != nil {
		t.Fatalf("write rule doc: %v", err)
	}

	d := newTestDaemonWith(t, func(cfg *config.Config) {
		cfg.RulesDir = rulesDir
	})

	rule, err := d.ruleStore.Get("imported")
	if err != nil {
		t.Fatalf("imported rule not in store: %v", err)
	}
	if rule.Name != "imported" {
		t.Fatalf("unexpected rule %+v", rule)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give ListenAndServe a moment to bind before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
