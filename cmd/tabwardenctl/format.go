package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				continue
			}
			if l := visibleLen(cell); l > widths[i] {
				widths[i] = l
			}
		}
	}

	writeRow(out, headers, widths)
	writeDivider(out, widths)
	for _, row := range rows {
		writeRow(out, row, widths)
	}
}

func writeDivider(out io.Writer, widths []int) {
	for i, w := range widths {
		if i > 0 {
			fmt.Fprint(out, "  ")
		}
		fmt.Fprint(out, strings.Repeat("-", w))
	}
	fmt.Fprintln(out)
}

func writeRow(out io.Writer, cols []string, widths []int) {
	for i, w := range widths {
		val := ""
		if i < len(cols) {
			val = cols[i]
		}
		fmt.Fprint(out, padRight(val, w))
		if i < len(widths)-1 {
			fmt.Fprint(out, "  ")
		}
	}
	fmt.Fprintln(out)
}

func padRight(v string, width int) string {
	if width <= 0 {
		return v
	}
	pad := width - visibleLen(v)
	if pad <= 0 {
		return v
	}
	return v + strings.Repeat(" ", pad)
}

func visibleLen(s string) int {
	inEscape := false
	count := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inEscape {
			if ch == 'm' {
				inEscape = false
			}
			continue
		}
		if ch == 27 {
			inEscape = true
			continue
		}
		count++
	}
	return count
}

func ColorStatus(status string) string {
	switch strings.ToLower(status) {
	case "enabled", "connected":
		return ansiGreen + status + ansiReset
	case "disabled", "disconnected":
		return ansiRed + status + ansiReset
	case "expired", "dry-run":
		return ansiYellow + status + ansiReset
	default:
		return status
	}
}

func PrintJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max == 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

func FormatTimeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// triggerSummary condenses a trigger document into one table cell:
// "immediate", "every 30m", "once 2026-03-01T09:00:00Z" or "on_action".
func triggerSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "on_action"
	}
	var t struct {
		Immediate   json.RawMessage `json:"immediate"`
		RepeatEvery json.RawMessage `json:"repeat_every"`
		OnceAt      string          `json:"once_at"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return "?"
	}
	switch {
	case t.RepeatEvery != nil:
		return "every " + strings.Trim(string(t.RepeatEvery), `"`)
	case t.OnceAt != "":
		return "once " + t.OnceAt
	case t.Immediate != nil:
		return "immediate"
	default:
		return "on_action"
	}
}

func actionSummary(then []map[string]any) string {
	if len(then) == 0 {
		return "-"
	}
	names := make([]string, 0, len(then))
	for _, step := range then {
		if name, ok := step["action"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

// FormatAge renders a tab age in the largest two useful units, so tables
// read "2d4h" rather than a millisecond count.
func FormatAge(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
