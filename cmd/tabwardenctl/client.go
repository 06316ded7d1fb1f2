package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIClient struct {
	server string
	token  string
	http   *http.Client
}

type Rule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	When        json.RawMessage  `json:"when,omitempty"`
	Then        []map[string]any `json:"then"`
	Trigger     json.RawMessage  `json:"trigger"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Pinned   bool   `json:"pinned"`
	Active   bool   `json:"active"`
	Audible  bool   `json:"audible"`
	Muted    bool   `json:"muted"`
	Domain   string `json:"domain"`
	Category string `json:"category"`
	AgeMs    int64  `json:"age"`
	IsDupe   bool   `json:"isDupe"`
}

type Window struct {
	ID        int   `json:"id"`
	Focused   bool  `json:"focused"`
	Incognito bool  `json:"incognito"`
	TabIDs    []int `json:"tabIds"`
}

type RunError struct {
	TabID   int    `json:"tabId,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

type RunResult struct {
	RuleID       string     `json:"ruleId"`
	RuleName     string     `json:"ruleName,omitempty"`
	Trigger      string     `json:"trigger"`
	DryRun       bool       `json:"dryRun,omitempty"`
	Matches      []int      `json:"matches"`
	TotalMatches int        `json:"totalMatches"`
	TotalActions int        `json:"totalActions"`
	Errors       []RunError `json:"errors"`
	DurationMs   int64      `json:"durationMs"`
}

type BatchResult struct {
	Results      []RunResult `json:"results"`
	TotalMatches int         `json:"totalMatches"`
	TotalActions int         `json:"totalActions"`
}

type Preview struct {
	RuleID       string     `json:"ruleId"`
	RuleName     string     `json:"ruleName,omitempty"`
	Matches      []int      `json:"matches"`
	TotalMatches int        `json:"totalMatches"`
	Errors       []RunError `json:"errors,omitempty"`
}

type RunRecord struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"ruleId"`
	RuleName   string    `json:"ruleName,omitempty"`
	Trigger    string    `json:"trigger"`
	DryRun     bool      `json:"dryRun"`
	DurationMs int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
}

type SnoozeRecord struct {
	ID     string    `json:"id"`
	URL    string    `json:"url"`
	Title  string    `json:"title"`
	WakeAt time.Time `json:"wakeAt"`
	Reason string    `json:"reason,omitempty"`
}

type Pairing struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Enabled     bool       `json:"enabled"`
}

type PairResponse struct {
	Pairing Pairing `json:"pairing"`
	Token   string  `json:"token"`
}

type BridgeStatus struct {
	Connected bool `json:"connected"`
	Client    *struct {
		Browser  string    `json:"browser"`
		Version  string    `json:"version"`
		LastSeen time.Time `json:"last_seen"`
	} `json:"client,omitempty"`
}

type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type APIError struct {
	Error string `json:"error"`
}

// statusError keeps the HTTP status around so callers can tell a missing
// rule from a failed request. rules apply needs that to pick POST or PUT.
type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed (status %d): %s", e.status, e.message)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

func NewAPIClient(server, token string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		token:  token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *APIClient) Rules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Rule(ctx context.Context, id string) (*Rule, error) {
	var out Rule
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRule posts a raw rule document. The daemon parses YAML and JSON
// alike, so the file content goes over the wire untouched.
func (c *APIClient) CreateRule(ctx context.Context, doc []byte) (*Rule, error) {
	var out Rule
	if err := c.doRaw(ctx, http.MethodPost, "/api/v1/rules", doc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UpdateRule(ctx context.Context, id string, doc []byte) (*Rule, error) {
	var out Rule
	if err := c.doRaw(ctx, http.MethodPut, "/api/v1/rules/"+url.PathEscape(id), doc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteRule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) RunRule(ctx context.Context, id string, dryRun, force bool) (*RunResult, error) {
	var out RunResult
	path := "/api/v1/rules/" + url.PathEscape(id) + "/run" + runQuery(dryRun, force)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RunAll(ctx context.Context, dryRun bool) (*BatchResult, error) {
	var out BatchResult
	path := "/api/v1/rules/run" + runQuery(dryRun, false)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PreviewRule(ctx context.Context, id string) (*Preview, error) {
	var out Preview
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules/"+url.PathEscape(id)+"/preview", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Tabs(ctx context.Context) ([]Tab, error) {
	var out []Tab
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tabs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Windows(ctx context.Context) ([]Window, error) {
	var out []Window
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/windows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	path := "/api/v1/runs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out []RunRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Snoozes(ctx context.Context) ([]SnoozeRecord, error) {
	var out []SnoozeRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/snoozes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) CancelSnooze(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/snoozes/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) WakeSnooze(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/snoozes/"+url.PathEscape(id)+"/wake", nil, nil)
}

func (c *APIClient) Pair(ctx context.Context, name, expiresIn string) (*PairResponse, error) {
	payload := map[string]string{"name": name}
	if expiresIn != "" {
		payload["expires_in"] = expiresIn
	}
	var out PairResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/pair", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Pairings(ctx context.Context) ([]Pairing, error) {
	var out []Pairing
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/pairings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) RevokePairing(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/pairings/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) BridgeStatus(ctx context.Context) (*BridgeStatus, error) {
	var out BridgeStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/bridge", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Version(ctx context.Context) (*VersionInfo, error) {
	var out VersionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func runQuery(dryRun, force bool) string {
	params := url.Values{}
	if dryRun {
		params.Set("dryRun", "1")
	}
	if force {
		params.Set("force", "1")
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var raw []byte
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		raw = payload
	}
	return c.doRaw(ctx, method, path, raw, out)
}

func (c *APIClient) doRaw(ctx context.Context, method, path string, body []byte, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		err := json.Unmarshal(resBody, &apiErr)
		if err == nil && apiErr.Error != "" {
			return &statusError{status: resp.StatusCode, message: apiErr.Error}
		}
		return &statusError{status: resp.StatusCode, message: strings.TrimSpace(string(resBody))}
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
