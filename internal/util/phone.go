package util

import "strings"

// NormalizePhone strips formatting from an E.164-ish number. Anything
// without a leading + and at least 8 digits is returned empty.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "whatsapp:")
	var b strings.Builder
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") || len(out) < 9 {
		return ""
	}
	return out
}

// NormalizeEmail lowercases and trims an address. Addresses without a
// single @ and a dotted domain are returned empty.
func NormalizeEmail(e string) string {
	e = strings.ToLower(strings.TrimSpace(e))
	local, domain, ok := strings.Cut(e, "@")
	if !ok || local == "" || strings.Contains(domain, "@") || !strings.Contains(domain, ".") ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.ContainsAny(e, " \t") {
		return ""
	}
	return e
}
