package driver

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// parseJID accepts a full JID or a bare phone number. Phone numbers are
// stripped of formatting and mapped to the default user server.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

// phoneNumber renders a user JID as an international number.
func phoneNumber(jid types.JID) string {
	if jid.User == "" {
		return ""
	}
	return "+" + jid.User
}

// isGroupLike reports whether a JID addresses more than one person.
func isGroupLike(jid types.JID) bool {
	switch jid.Server {
	case types.GroupServer, types.BroadcastServer, types.NewsletterServer:
		return true
	}
	return false
}
