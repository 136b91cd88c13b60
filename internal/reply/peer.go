// ABOUTME: Normalization of sender addresses into stable peer identifiers
// ABOUTME: Phone-number addresses become country-code-prefixed digit strings

package reply

import (
	"strings"
	"unicode"
)

// phoneServers are the address domains that carry a phone number as the local part.
var phoneServers = map[string]bool{
	"c.us":           true,
	"s.whatsapp.net": true,
}

// NormalizePeer turns a sender address into the identifier used for
// conversations and reply requests. Phone numbers keep only their digits, lose
// leading zeros and gain countryCode unless they already start with it. Other
// addresses, such as Matrix user IDs, are returned unchanged.
func NormalizePeer(addr, countryCode string) string {
	addr = strings.TrimSpace(addr)

	local := addr
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		if !phoneServers[addr[at+1:]] {
			return addr
		}
		local = addr[:at]
		// drop a device suffix such as "5511...:12"
		if colon := strings.IndexByte(local, ':'); colon >= 0 {
			local = local[:colon]
		}
	} else if !isPhoneLike(addr) {
		return addr
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, local)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, countryCode) {
		return digits
	}
	return countryCode + strings.TrimLeft(digits, "0")
}

func isPhoneLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && !strings.ContainsRune("+-() .", r) {
			return false
		}
	}
	return true
}
