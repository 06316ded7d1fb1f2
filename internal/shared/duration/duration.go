// Package duration parses the duration forms rule documents use: compact
// literals ("30m", "2h", "7d"), Go duration strings, and raw milliseconds.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var literalRe = regexp.MustCompile(`^(\d+)([mhd])$`)

// IsLiteral reports whether s is a compact duration literal (^\d+[mhd]$).
func IsLiteral(s string) bool {
	return literalRe.MatchString(s)
}

// ParseLiteral converts a compact literal to a duration. m=minute, h=hour,
// d=day (24h).
func ParseLiteral(s string) (time.Duration, error) {
	m := literalRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("not a duration literal: %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("duration literal %q: %w", s, err)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("not a duration literal: %q", s)
}

// Parse accepts the value forms a document may carry: a compact literal, a
// Go duration string ("90s", "1h30m"), or a number of milliseconds
// (int/float/json.Number-style string).
func Parse(v any) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		if IsLiteral(x) {
			return ParseLiteral(x)
		}
		if d, err := time.ParseDuration(x); err == nil {
			return d, nil
		}
		if ms, err := strconv.ParseFloat(x, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
		return 0, fmt.Errorf("unparseable duration: %q", x)
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	case time.Duration:
		return x, nil
	}
	return 0, fmt.Errorf("unparseable duration: %T", v)
}
