// Package contacts models the remote address book. It filters, de-duplicates
// and orders raw entries into the snapshot served to other services, and
// enriches a bounded number of them with profile picture references.
package contacts

import (
	"cmp"
	"slices"
	"strings"
)

// Contact is one entry of the synchronized address book.
type Contact struct {
	ID                string `json:"id"`
	PhoneNumber       string `json:"phoneNumber"`
	DisplayName       string `json:"displayName"`
	IsKnownContact    bool   `json:"isKnownContact"`
	StatusText        string `json:"statusText"`
	IsBusinessAccount bool   `json:"isBusinessAccount"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

// RawContact is an address book entry as reported by the remote network,
// before groups and the own account are filtered out.
type RawContact struct {
	Contact

	// IsGroup marks group, broadcast and newsletter identities.
	IsGroup bool

	// IsSelf marks the account the session is logged in as.
	IsSelf bool
}

// Normalize drops groups, the own account (by flag or by selfID) and entries
// without an ID, keeps the first occurrence of each ID, and sorts the result.
func Normalize(raw []RawContact, selfID string) []Contact {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Contact, 0, len(raw))
	for _, rc := range raw {
		if rc.IsGroup || rc.IsSelf || rc.ID == "" {
			continue
		}
		if selfID != "" && rc.ID == selfID {
			continue
		}
		if _, dup := seen[rc.ID]; dup {
			continue
		}
		seen[rc.ID] = struct{}{}
		c := rc.Contact
		if c.DisplayName == "" {
			c.DisplayName = c.PhoneNumber
		}
		out = append(out, c)
	}
	Sort(out)
	return out
}

// Sort orders contacts in place: known contacts first, then by display name
// compared case-insensitively byte by byte. ID breaks ties so the order is
// total.
func Sort(list []Contact) {
	slices.SortStableFunc(list, Compare)
}

// Compare is the ordering used by Sort.
func Compare(a, b Contact) int {
	if a.IsKnownContact != b.IsKnownContact {
		if a.IsKnownContact {
			return -1
		}
		return 1
	}
	if c := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// IsSorted reports whether list follows the Sort ordering.
func IsSorted(list []Contact) bool {
	return slices.IsSortedFunc(list, Compare)
}
