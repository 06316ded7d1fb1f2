package actions

import (
	"fmt"
	"sort"
)

// Priority returns the execution ordering class for an action kind; lower
// runs earlier. State toggles go first, organizing actions next, then the
// destructive ones, so a close never starves the rest of the list. Unknown
// actions sort last.
func Priority(k Kind) int {
	switch k {
	case KindPin, KindUnpin, KindMute, KindUnmute:
		return 1
	case KindGroup, KindBookmark, KindMove:
		return 2
	case KindSnooze:
		return 3
	case KindSuspend:
		return 4
	case KindCloseDuplicates:
		return 5
	case KindClose:
		return 6
	}
	return 7
}

// SortByPriority returns a copy of list ordered for execution. The sort is
// stable: actions in the same class keep their written order.
func SortByPriority(list []Action) []Action {
	out := append([]Action(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		return Priority(out[i].Kind()) < Priority(out[j].Kind())
	})
	return out
}

// Conflict is a pair of actions in one then-list that work against each
// other. Conflicts are surfaced in the run result; execution still proceeds
// in priority order.
type Conflict struct {
	First  Kind   `json:"first"`
	Second Kind   `json:"second"`
	Reason string `json:"reason"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s/%s: %s", c.First, c.Second, c.Reason)
}

// DetectConflicts scans a then-list for pairings that cancel or shadow
// each other: pin+unpin, mute+unmute, close+snooze, and anything written
// after a close.
func DetectConflicts(list []Action) []Conflict {
	present := make(map[Kind]bool, len(list))
	for _, act := range list {
		present[act.Kind()] = true
	}

	var out []Conflict
	if present[KindPin] && present[KindUnpin] {
		out = append(out, Conflict{KindPin, KindUnpin, "pin and unpin cancel each other"})
	}
	if present[KindMute] && present[KindUnmute] {
		out = append(out, Conflict{KindMute, KindUnmute, "mute and unmute cancel each other"})
	}
	if present[KindClose] && present[KindSnooze] {
		out = append(out, Conflict{KindClose, KindSnooze, "close and snooze both remove the tab"})
	}

	closeAt := -1
	for i, act := range list {
		if act.Kind() == KindClose {
			closeAt = i
			break
		}
	}
	if closeAt >= 0 {
		for _, act := range list[closeAt+1:] {
			k := act.Kind()
			if k == KindClose || k == KindSnooze {
				continue
			}
			out = append(out, Conflict{KindClose, k, fmt.Sprintf("%s is listed after close and will never see the tab", k)})
		}
	}
	return out
}
