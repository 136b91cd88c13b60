// ABOUTME: Recipient address parsing for WhatsApp
// ABOUTME: Accepts bare phone numbers, legacy @c.us ids and full JIDs

package whatsapp

import (
	"fmt"
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow/types"
)

// parseRecipient turns a recipient address into a JID. Bare numbers are
// treated as user phone numbers; "@c.us" is the legacy user server name.
func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}

	if strings.Contains(to, "@") {
		to = strings.Replace(to, "@c.us", "@"+types.DefaultUserServer, 1)
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parsing recipient %q: %w", to, err)
		}
		return jid, nil
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("recipient %q has no digits", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
