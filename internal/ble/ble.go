// Package ble normalizes the Bluetooth identifiers clients report so that the
// verifiers can compare tokens from different platforms (iOS reports UUIDs,
// Android reports MAC-style addresses, casing and separators vary).
package ble

import "strings"

// Canonical lowercases a token and strips separator punctuation. An empty
// result means the client sent nothing usable.
func Canonical(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	token = strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '_', ' ':
			return -1
		}
		return r
	}, token)
	return token
}

// Match reports whether target's token appears in the scanner's nearby set.
// Both sides are canonicalized before comparison.
func Match(targetToken string, nearby []string) bool {
	want := Canonical(targetToken)
	if want == "" {
		return false
	}
	for _, tok := range nearby {
		if Canonical(tok) == want {
			return true
		}
	}
	return false
}
