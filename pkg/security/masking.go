// Package security masks customer identifiers and credentials before they reach the logs.
package security

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	jwtPattern    = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|bearer)["\s:=]+["']?([a-zA-Z0-9_-]{16,})["']?`)
	stripeKey     = regexp.MustCompile(`\b(sk|rk|whsec)_(live|test)?_?[a-zA-Z0-9]{8,}`)
	walletPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
)

// MaskString masks emails, wallets and credentials found anywhere in s
func MaskString(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, MaskEmail)
	s = jwtPattern.ReplaceAllString(s, "eyJ***REDACTED***")
	s = apiKeyPattern.ReplaceAllString(s, "$1: ***REDACTED***")
	s = stripeKey.ReplaceAllString(s, "${1}_***REDACTED***")
	s = walletPattern.ReplaceAllStringFunc(s, MaskWallet)
	return s
}

// MaskEmail keeps the first two characters of the local part and the TLD
func MaskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***.***"
	}

	local, domain := parts[0], parts[1]
	maskedLocal := maskPartial(local, 2)
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		return maskedLocal + "@" + maskPartial(domainParts[0], 1) + "." + domainParts[len(domainParts)-1]
	}
	return maskedLocal + "@" + maskPartial(domain, 2)
}

// MaskWallet shows the first 6 and last 4 characters of an address
func MaskWallet(addr string) string {
	if addr == "" {
		return ""
	}
	if len(addr) < 10 {
		return "0x****"
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func maskPartial(s string, showChars int) string {
	if len(s) <= showChars {
		return strings.Repeat("*", len(s))
	}
	return s[:showChars] + strings.Repeat("*", len(s)-showChars)
}
