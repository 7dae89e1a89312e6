// Package auth resolves client identities from transport-level certificate
// names or HTTP Basic credentials and computes per-identity request policies.
package auth

import "strings"

// Identity is a resolved API user. Instances are immutable after
// construction; the store replaces them wholesale on reload.
type Identity struct {
	Name        string
	Permissions []string
}

// HasPermission reports whether any of the identity's permission patterns
// matches the supplied permission name.
func (id *Identity) HasPermission(name string) bool {
	if id == nil {
		return false
	}
	for _, pattern := range id.Permissions {
		if MatchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// MatchPattern performs a glob match of pattern against text. '*' matches any
// run of characters (including '/'), '?' matches a single character. This is
// the matching used for permission entries.
func MatchPattern(pattern, text string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	return globMatch(pattern, text)
}

func globMatch(pattern, text string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = strings.TrimLeft(pattern, "*")
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(text); i++ {
				if globMatch(pattern, text[i:]) {
					return true
				}
			}
			return false
		case '?':
			if text == "" {
				return false
			}
			pattern, text = pattern[1:], text[1:]
		default:
			if text == "" || pattern[0] != text[0] {
				return false
			}
			pattern, text = pattern[1:], text[1:]
		}
	}
	return text == ""
}
