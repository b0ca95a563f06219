// Package notifications folds semantically equivalent notifications into
// grouped display entries: five "favourited your post" events for the same
// status become one entry with five actors.
package notifications

import "driftline/internal/model"

// Grouped is one display entry. The embedded Notification is the group's
// representative: always the first-seen member, regardless of the timestamps
// of later arrivals. AccountIDs accumulates actors in arrival order;
// HiddenIDs lists the folded-away duplicates so by-id lookups can exclude
// them.
type Grouped struct {
	model.Notification
	AccountIDs []string
	HiddenIDs  []string
}

// Two notifications are equivalent when they share a type, a target status,
// and (for reaction types) the same reaction. Follow-style notifications
// have no target, so they group by type alone.
func groupKey(n model.Notification) string {
	return n.Type + "\x00" + n.StatusID + "\x00" + n.Emoji
}

// Dedup folds an ordered batch into grouped entries. Order of first
// appearance is preserved; later duplicates contribute only their actor to
// the earliest equivalent entry.
func Dedup(batch []model.Notification) []Grouped {
	index := make(map[string]int, len(batch))
	out := make([]Grouped, 0, len(batch))
	for _, n := range batch {
		key := groupKey(n)
		if i, ok := index[key]; ok {
			g := &out[i]
			g.HiddenIDs = append(g.HiddenIDs, n.ID)
			if n.AccountID != "" && !containsID(g.AccountIDs, n.AccountID) {
				g.AccountIDs = append(g.AccountIDs, n.AccountID)
			}
			continue
		}
		index[key] = len(out)
		g := Grouped{Notification: n}
		if n.AccountID != "" {
			g.AccountIDs = append(g.AccountIDs, n.AccountID)
		}
		out = append(out, g)
	}
	return out
}

// ByID indexes groups by representative id. Folded-away duplicates are not
// included; a lookup for a hidden id misses.
func ByID(groups []Grouped) map[string]Grouped {
	m := make(map[string]Grouped, len(groups))
	for _, g := range groups {
		m[g.ID] = g
	}
	return m
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
