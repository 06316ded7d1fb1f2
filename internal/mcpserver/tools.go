package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

type listTabsInput struct {
	WindowID int    `json:"window_id,omitempty" jsonschema:"optional window id filter"`
	Domain   string `json:"domain,omitempty" jsonschema:"optional domain filter, e.g. youtube.com"`
	Category string `json:"category,omitempty" jsonschema:"optional category filter, e.g. social"`
}

type listRulesInput struct {
	Status string `json:"status,omitempty" jsonschema:"rule filter: enabled, disabled, or all"`
}

type ruleIDInput struct {
	RuleID string `json:"rule_id" jsonschema:"rule identifier"`
}

type runRuleInput struct {
	RuleID string `json:"rule_id" jsonschema:"rule identifier"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"report what would happen without touching the browser"`
	Force  bool   `json:"force,omitempty" jsonschema:"run the rule even when disabled"`
}

type runAllInput struct {
	DryRun bool `json:"dry_run,omitempty" jsonschema:"report what would happen without touching the browser"`
}

type listRunsInput struct {
	RuleID string `json:"rule_id,omitempty" jsonschema:"optional rule id filter"`
	Limit  int    `json:"limit,omitempty" jsonschema:"optional limit (default 20)"`
}

// tabSummary is the compact tab projection tools return; full enriched
// tabs are noisy for an assistant context window.
type tabSummary struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Domain   string `json:"domain"`
	Category string `json:"category"`
	Pinned   bool   `json:"pinned,omitempty"`
	Active   bool   `json:"active,omitempty"`
	Audible  bool   `json:"audible,omitempty"`
	IsDupe   bool   `json:"isDupe,omitempty"`
	AgeMs    int64  `json:"age"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_list_tabs",
		Description: "List open browser tabs with their derived domain, category and duplicate flags",
	}, s.handleListTabs)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_list_windows",
		Description: "List browser windows and their tab membership",
	}, s.handleListWindows)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_list_rules",
		Description: "List stored tab-management rules with enabled/disabled filtering",
	}, s.handleListRules)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_run_rule",
		Description: "Run one rule now and report matches, actions and errors",
	}, s.handleRunRule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_preview_rule",
		Description: "Evaluate a rule without side effects: which tabs match and what would happen",
	}, s.handlePreviewRule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_run_all_rules",
		Description: "Run every enabled rule in store order",
	}, s.handleRunAllRules)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_list_runs",
		Description: "Read the rule run log, newest first",
	}, s.handleListRuns)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "tabwarden_list_snoozes",
		Description: "List snoozed tabs awaiting restoration",
	}, s.handleListSnoozes)
}

func (s *MCPServer) handleListTabs(ctx context.Context, _ *mcp.CallToolRequest, input listTabsInput) (*mcp.CallToolResult, any, error) {
	if s.engine == nil {
		return nil, nil, fmt.Errorf("engine unavailable")
	}

	snapshot, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	domain := strings.ToLower(strings.TrimSpace(input.Domain))
	category := strings.ToLower(strings.TrimSpace(input.Category))

	out := make([]tabSummary, 0, len(snapshot))
	for _, t := range snapshot {
		if input.WindowID != 0 && t.WindowID != input.WindowID {
			continue
		}
		if domain != "" && t.Domain != domain {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, tabSummary{
			ID:       t.ID,
			WindowID: t.WindowID,
			URL:      t.URL,
			Title:    t.Title,
			Domain:   t.Domain,
			Category: t.Category,
			Pinned:   t.Pinned,
			Active:   t.Active,
			Audible:  t.Audible,
			IsDupe:   t.IsDupe,
			AgeMs:    t.AgeMs,
		})
	}

	return jsonToolResult(out)
}

func (s *MCPServer) handleListWindows(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	if s.drv == nil {
		return nil, nil, fmt.Errorf("browser driver unavailable")
	}
	windows, err := s.drv.QueryWindows(ctx)
	if err != nil {
		return nil, nil, err
	}
	if windows == nil {
		windows = []tabs.Window{}
	}
	return jsonToolResult(windows)
}

func (s *MCPServer) handleListRules(_ context.Context, _ *mcp.CallToolRequest, input listRulesInput) (*mcp.CallToolResult, any, error) {
	if s.rules == nil {
		return nil, nil, fmt.Errorf("rule store unavailable")
	}

	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status == "" {
		status = "all"
	}
	if status != "all" && status != "enabled" && status != "disabled" {
		return nil, nil, fmt.Errorf("invalid status %q: expected enabled, disabled, or all", input.Status)
	}

	list, err := s.rules.List()
	if err != nil {
		return nil, nil, err
	}

	out := make([]rules.Rule, 0, len(list))
	for _, r := range list {
		if status == "enabled" && !r.Enabled {
			continue
		}
		if status == "disabled" && r.Enabled {
			continue
		}
		out = append(out, r)
	}

	return jsonToolResult(out)
}

func (s *MCPServer) handleRunRule(ctx context.Context, _ *mcp.CallToolRequest, input runRuleInput) (*mcp.CallToolResult, any, error) {
	if s.engine == nil {
		return nil, nil, fmt.Errorf("engine unavailable")
	}
	ruleID := strings.TrimSpace(input.RuleID)
	if ruleID == "" {
		return nil, nil, fmt.Errorf("rule_id is required")
	}

	res, err := s.engine.RunRule(ctx, ruleID, engine.RunOpts{
		Trigger: rules.TriggerOnAction,
		DryRun:  input.DryRun,
		Force:   input.Force,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

func (s *MCPServer) handlePreviewRule(ctx context.Context, _ *mcp.CallToolRequest, input ruleIDInput) (*mcp.CallToolResult, any, error) {
	if s.engine == nil {
		return nil, nil, fmt.Errorf("engine unavailable")
	}
	ruleID := strings.TrimSpace(input.RuleID)
	if ruleID == "" {
		return nil, nil, fmt.Errorf("rule_id is required")
	}

	preview, err := s.engine.PreviewRule(ctx, ruleID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(preview)
}

func (s *MCPServer) handleRunAllRules(ctx context.Context, _ *mcp.CallToolRequest, input runAllInput) (*mcp.CallToolResult, any, error) {
	if s.engine == nil {
		return nil, nil, fmt.Errorf("engine unavailable")
	}

	batch, err := s.engine.RunAll(ctx, engine.RunOpts{
		Trigger: rules.TriggerOnAction,
		DryRun:  input.DryRun,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(batch)
}

func (s *MCPServer) handleListRuns(_ context.Context, _ *mcp.CallToolRequest, input listRunsInput) (*mcp.CallToolResult, any, error) {
	if s.engine == nil {
		return nil, nil, fmt.Errorf("engine unavailable")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	runs, err := s.engine.RunLog().List(limit)
	if err != nil {
		return nil, nil, err
	}

	ruleID := strings.TrimSpace(input.RuleID)
	out := make([]engine.RunRecord, 0, len(runs))
	for _, rec := range runs {
		if ruleID != "" && rec.RuleID != ruleID {
			continue
		}
		out = append(out, rec)
	}

	return jsonToolResult(out)
}

func (s *MCPServer) handleListSnoozes(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	if s.snoozes == nil {
		return nil, nil, fmt.Errorf("snooze queue unavailable")
	}
	recs, err := s.snoozes.List()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(recs)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
