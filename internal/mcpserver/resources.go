package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceTabsSummary = "tabwarden://tabs/summary"
	resourceRulesList   = "tabwarden://rules/list"
	resourceSnoozeQueue = "tabwarden://snoozes/queue"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceTabsSummary,
		Name:        "Tabs Summary",
		Description: "Tab counts by window, domain and category, plus duplicate totals",
		MIMEType:    "application/json",
	}, s.handleTabsSummaryResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceRulesList,
		Name:        "Rules List",
		Description: "Every stored tab-management rule, in evaluation order",
		MIMEType:    "application/json",
	}, s.handleRulesListResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceSnoozeQueue,
		Name:        "Snooze Queue",
		Description: "Snoozed tabs awaiting restoration, with wake times",
		MIMEType:    "application/json",
	}, s.handleSnoozeQueueResource)
}

func (s *MCPServer) handleTabsSummaryResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("engine unavailable")
	}

	snapshot, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	byWindow := make(map[int]int)
	byDomain := make(map[string]int)
	byCategory := make(map[string]int)
	dupes := 0
	for _, t := range snapshot {
		byWindow[t.WindowID]++
		byDomain[t.Domain]++
		byCategory[t.Category]++
		if t.IsDupe {
			dupes++
		}
	}

	payload := map[string]any{
		"total_tabs":  len(snapshot),
		"by_window":   byWindow,
		"by_domain":   byDomain,
		"by_category": byCategory,
		"duplicates":  dupes,
	}
	return buildJSONResourceResult(req, resourceTabsSummary, payload)
}

func (s *MCPServer) handleRulesListResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.rules == nil {
		return nil, fmt.Errorf("rule store unavailable")
	}
	list, err := s.rules.List()
	if err != nil {
		return nil, err
	}
	return buildJSONResourceResult(req, resourceRulesList, list)
}

func (s *MCPServer) handleSnoozeQueueResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.snoozes == nil {
		return nil, fmt.Errorf("snooze queue unavailable")
	}
	recs, err := s.snoozes.List()
	if err != nil {
		return nil, err
	}
	return buildJSONResourceResult(req, resourceSnoozeQueue, recs)
}

func buildJSONResourceResult(req *mcp.ReadResourceRequest, defaultURI string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
