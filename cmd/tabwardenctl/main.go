package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultServer = "http://127.0.0.1:7787"
)

type cliConfig struct {
	server     string
	token      string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.token)
	ctx := context.Background()

	switch command {
	case "rules":
		err = runRules(ctx, client, cfg, args)
	case "tabs":
		err = runTabs(ctx, client, cfg, args)
	case "windows":
		err = runWindows(ctx, client, cfg, args)
	case "runs":
		err = runRuns(ctx, client, cfg, args)
	case "snoozes":
		err = runSnoozes(ctx, client, cfg, args)
	case "pair":
		err = runPair(ctx, client, cfg, args)
	case "pairings":
		err = runPairings(ctx, client, cfg, args)
	case "status":
		err = runStatus(ctx, client, cfg, args)
	case "version":
		fmt.Printf("tabwardenctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     defaultServer,
		token:      os.Getenv("TABWARDEN_TOKEN"),
		jsonOutput: false,
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--token":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--token requires a value")
			}
			cfg.token = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: tabwardenctl [--server <url>] [--token <token>] [--json] <command>

Commands:
  rules                     List rules
  rules get <id>            Show a rule
  rules apply <file>        Create or update a rule from a JSON/YAML file
  rules delete <id>         Delete a rule
  rules run [id] [--dry-run] [--force]
                            Run one rule, or every enabled rule
  rules preview <id>        Show what a rule would do without doing it
  tabs                      List open tabs
  windows                   List browser windows
  runs [--limit <n>]        Show recent rule runs
  snoozes                   List snoozed tabs
  snoozes cancel <id>       Drop a snooze without reopening the tab
  snoozes wake <id>         Reopen a snoozed tab now
  pair --name <name> [--expires-in <dur>]
                            Issue an API token (run on the daemon host)
  pairings                  List issued tokens
  pairings revoke <id>      Revoke a token
  status                    Show daemon and extension status
`)
}

func runRules(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return listRules(ctx, client, cfg)
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: tabwardenctl rules list")
		}
		return listRules(ctx, client, cfg)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl rules get <id>")
		}
		return showRule(ctx, client, cfg, args[1])
	case "apply":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl rules apply <file>")
		}
		return applyRule(ctx, client, cfg, args[1])
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl rules delete <id>")
		}
		if err := client.DeleteRule(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Rule %s deleted\n", args[1])
		return nil
	case "run":
		return runRuleCmd(ctx, client, cfg, args[1:])
	case "preview":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl rules preview <id>")
		}
		return previewRule(ctx, client, cfg, args[1])
	default:
		return fmt.Errorf("unknown rules command: %s", args[0])
	}
}

func listRules(ctx context.Context, client *APIClient, cfg cliConfig) error {
	list, err := client.Rules(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "NAME", "STATUS", "TRIGGER", "ACTIONS", "UPDATED"}
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		status := "enabled"
		if !r.Enabled {
			status = "disabled"
		}
		rows = append(rows, []string{
			Truncate(r.ID, 24),
			Truncate(r.Name, 28),
			ColorStatus(status),
			triggerSummary(r.Trigger),
			actionSummary(r.Then),
			FormatTimeOrDash(r.UpdatedAt),
		})
	}

	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d rules\n", len(list))
	return nil
}

func showRule(ctx context.Context, client *APIClient, cfg cliConfig, id string) error {
	rule, err := client.Rule(ctx, id)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, rule)
	}

	status := "enabled"
	if !rule.Enabled {
		status = "disabled"
	}

	fmt.Printf("ID: %s\n", rule.ID)
	fmt.Printf("Name: %s\n", rule.Name)
	if rule.Description != "" {
		fmt.Printf("Description: %s\n", rule.Description)
	}
	fmt.Printf("Status: %s\n", ColorStatus(status))
	fmt.Printf("Trigger: %s\n", triggerSummary(rule.Trigger))
	fmt.Printf("Actions: %s\n", actionSummary(rule.Then))
	fmt.Printf("Created: %s\n", FormatTimeOrDash(rule.CreatedAt))
	fmt.Printf("Updated: %s\n", FormatTimeOrDash(rule.UpdatedAt))

	if len(rule.When) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, rule.When, "", "  "); err == nil {
			fmt.Printf("When:\n%s\n", pretty.String())
		}
	}
	return nil
}

// applyRule reads the document once and ships the bytes untouched; the
// daemon parses YAML and JSON alike. The id field decides POST vs PUT.
func applyRule(ctx context.Context, client *APIClient, cfg cliConfig, path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var head struct {
		ID string `yaml:"id"`
	}
	if err := yaml.Unmarshal(doc, &head); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if head.ID != "" {
		_, err := client.Rule(ctx, head.ID)
		switch {
		case err == nil:
			updated, err := client.UpdateRule(ctx, head.ID, doc)
			if err != nil {
				return err
			}
			if cfg.jsonOutput {
				return PrintJSON(os.Stdout, updated)
			}
			fmt.Printf("Rule %s updated\n", updated.ID)
			return nil
		case !isNotFound(err):
			return err
		}
	}

	created, err := client.CreateRule(ctx, doc)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, created)
	}
	fmt.Printf("Rule %s created\n", created.ID)
	return nil
}

func runRuleCmd(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	id := ""
	dryRun := false
	force := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--force":
			force = true
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if id != "" {
				return fmt.Errorf("usage: tabwardenctl rules run [id] [--dry-run] [--force]")
			}
			id = args[i]
		}
	}

	if id == "" {
		batch, err := client.RunAll(ctx, dryRun)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, batch)
		}
		printBatch(batch, dryRun)
		return nil
	}

	result, err := client.RunRule(ctx, id, dryRun, force)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, result)
	}
	printRunResult(result, dryRun)
	return nil
}

func printBatch(batch *BatchResult, dryRun bool) {
	headers := []string{"RULE", "MATCHES", "ACTIONS", "ERRORS", "DURATION"}
	rows := make([][]string, 0, len(batch.Results))
	for _, r := range batch.Results {
		name := r.RuleName
		if name == "" {
			name = r.RuleID
		}
		rows = append(rows, []string{
			Truncate(name, 28),
			strconv.Itoa(r.TotalMatches),
			strconv.Itoa(r.TotalActions),
			strconv.Itoa(len(r.Errors)),
			fmt.Sprintf("%dms", r.DurationMs),
		})
	}
	RenderTable(os.Stdout, headers, rows)

	suffix := ""
	if dryRun {
		suffix = " (" + ColorStatus("dry-run") + ")"
	}
	fmt.Fprintf(os.Stdout, "\nTotal: %d matches, %d actions%s\n", batch.TotalMatches, batch.TotalActions, suffix)
}

func printRunResult(r *RunResult, dryRun bool) {
	name := r.RuleName
	if name == "" {
		name = r.RuleID
	}
	fmt.Printf("Rule: %s\n", name)
	if dryRun {
		fmt.Printf("Mode: %s\n", ColorStatus("dry-run"))
	}
	fmt.Printf("Matches: %d\n", r.TotalMatches)
	fmt.Printf("Actions: %d\n", r.TotalActions)
	fmt.Printf("Duration: %dms\n", r.DurationMs)
	for _, e := range r.Errors {
		if e.TabID > 0 {
			fmt.Fprintf(os.Stdout, "- tab %d %s: %s\n", e.TabID, e.Action, e.Message)
			continue
		}
		fmt.Fprintf(os.Stdout, "- %s\n", e.Message)
	}
}

func previewRule(ctx context.Context, client *APIClient, cfg cliConfig, id string) error {
	preview, err := client.PreviewRule(ctx, id)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, preview)
	}

	name := preview.RuleName
	if name == "" {
		name = preview.RuleID
	}
	fmt.Printf("Rule: %s\n", name)
	fmt.Printf("Matches: %d\n", preview.TotalMatches)
	if len(preview.Matches) > 0 {
		ids := make([]string, 0, len(preview.Matches))
		for _, tabID := range preview.Matches {
			ids = append(ids, strconv.Itoa(tabID))
		}
		fmt.Printf("Tabs: %s\n", strings.Join(ids, ", "))
	}
	for _, e := range preview.Errors {
		fmt.Fprintf(os.Stdout, "- %s\n", e.Message)
	}
	return nil
}

func runTabs(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: tabwardenctl tabs")
	}

	list, err := client.Tabs(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "WIN", "DOMAIN", "CATEGORY", "AGE", "FLAGS", "TITLE"}
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		category := t.Category
		if category == "" {
			category = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(t.ID),
			strconv.Itoa(t.WindowID),
			Truncate(t.Domain, 28),
			category,
			FormatAge(t.AgeMs),
			tabFlags(t),
			Truncate(t.Title, 40),
		})
	}

	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d tabs\n", len(list))
	return nil
}

func tabFlags(t Tab) string {
	var flags []string
	if t.Active {
		flags = append(flags, "active")
	}
	if t.Pinned {
		flags = append(flags, "pinned")
	}
	if t.Audible {
		flags = append(flags, "audible")
	}
	if t.Muted {
		flags = append(flags, "muted")
	}
	if t.IsDupe {
		flags = append(flags, "dupe")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func runWindows(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: tabwardenctl windows")
	}

	list, err := client.Windows(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "TABS", "FOCUSED", "INCOGNITO"}
	rows := make([][]string, 0, len(list))
	for _, w := range list {
		rows = append(rows, []string{
			strconv.Itoa(w.ID),
			strconv.Itoa(len(w.TabIDs)),
			strconv.FormatBool(w.Focused),
			strconv.FormatBool(w.Incognito),
		})
	}

	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runRuns(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	limit := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			limit = n
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	list, err := client.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"STARTED", "RULE", "TRIGGER", "DRY RUN", "DURATION"}
	rows := make([][]string, 0, len(list))
	for _, rec := range list {
		name := rec.RuleName
		if name == "" {
			name = rec.RuleID
		}
		rows = append(rows, []string{
			FormatTimeOrDash(rec.StartedAt),
			Truncate(name, 28),
			rec.Trigger,
			strconv.FormatBool(rec.DryRun),
			fmt.Sprintf("%dms", rec.DurationMs),
		})
	}

	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d runs\n", len(list))
	return nil
}

func runSnoozes(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		if len(args) > 1 {
			return fmt.Errorf("usage: tabwardenctl snoozes list")
		}
		list, err := client.Snoozes(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, list)
		}

		headers := []string{"ID", "TITLE", "URL", "WAKE AT", "REASON"}
		rows := make([][]string, 0, len(list))
		for _, s := range list {
			reason := s.Reason
			if reason == "" {
				reason = "-"
			}
			rows = append(rows, []string{
				Truncate(s.ID, 12),
				Truncate(s.Title, 28),
				Truncate(s.URL, 36),
				FormatTimeOrDash(s.WakeAt),
				Truncate(reason, 24),
			})
		}

		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d snoozed tabs\n", len(list))
		return nil
	}

	switch args[0] {
	case "cancel":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl snoozes cancel <id>")
		}
		if err := client.CancelSnooze(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("Snooze cancelled")
		return nil
	case "wake":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl snoozes wake <id>")
		}
		if err := client.WakeSnooze(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("Tab reopened")
		return nil
	default:
		return fmt.Errorf("unknown snoozes command: %s", args[0])
	}
}

func runPair(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	name := ""
	expiresIn := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case "--expires-in":
			if i+1 >= len(args) {
				return fmt.Errorf("--expires-in requires a value")
			}
			expiresIn = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	resp, err := client.Pair(ctx, name, expiresIn)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Token: %s\n", resp.Token)
	fmt.Printf("ID: %s\n", resp.Pairing.ID)
	fmt.Printf("Name: %s\n", resp.Pairing.Name)
	fmt.Printf("Prefix: %s\n", resp.Pairing.TokenPrefix)
	if resp.Pairing.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", FormatTimeOrDash(*resp.Pairing.ExpiresAt))
	}
	fmt.Println("\nStore the token now; it is not shown again.")
	fmt.Println("Export it as TABWARDEN_TOKEN or pass --token.")
	return nil
}

func runPairings(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		if len(args) > 1 {
			return fmt.Errorf("usage: tabwardenctl pairings list")
		}
		list, err := client.Pairings(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, list)
		}

		headers := []string{"ID", "NAME", "PREFIX", "STATUS", "LAST USED", "EXPIRES"}
		rows := make([][]string, 0, len(list))
		for _, p := range list {
			lastUsed := "-"
			if p.LastUsedAt != nil {
				lastUsed = FormatTimeOrDash(*p.LastUsedAt)
			}
			expires := "-"
			if p.ExpiresAt != nil {
				expires = FormatTimeOrDash(*p.ExpiresAt)
			}
			rows = append(rows, []string{
				Truncate(p.ID, 12),
				Truncate(p.Name, 24),
				p.TokenPrefix,
				ColorStatus(pairingStatus(p)),
				lastUsed,
				expires,
			})
		}

		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d pairings\n", len(list))
		return nil
	}

	switch args[0] {
	case "revoke":
		if len(args) != 2 {
			return fmt.Errorf("usage: tabwardenctl pairings revoke <id>")
		}
		if err := client.RevokePairing(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("Pairing revoked")
		return nil
	default:
		return fmt.Errorf("unknown pairings command: %s", args[0])
	}
}

func pairingStatus(p Pairing) string {
	if !p.Enabled {
		return "disabled"
	}
	if p.ExpiresAt != nil && time.Now().UTC().After(*p.ExpiresAt) {
		return "expired"
	}
	return "enabled"
}

func runStatus(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: tabwardenctl status")
	}

	info, err := client.Version(ctx)
	if err != nil {
		return err
	}
	bridge, err := client.BridgeStatus(ctx)
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, map[string]any{"daemon": info, "bridge": bridge})
	}

	fmt.Printf("Daemon: tabwardend %s (commit: %s, built: %s)\n", info.Version, info.Commit, info.Date)
	if bridge.Connected && bridge.Client != nil {
		fmt.Printf("Extension: %s (%s %s, last seen %s)\n",
			ColorStatus("connected"), bridge.Client.Browser, bridge.Client.Version,
			FormatTimeOrDash(bridge.Client.LastSeen))
		return nil
	}
	if bridge.Connected {
		fmt.Printf("Extension: %s\n", ColorStatus("connected"))
		return nil
	}
	fmt.Printf("Extension: %s\n", ColorStatus("disconnected"))
	return nil
}
