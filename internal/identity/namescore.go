package identity

import (
	"strings"
	"unicode"
)

// Name-quality scores. Higher wins; equal never replaces.
const (
	scorePlaceholder = 0
	scoreDeviceModel = 1
	scoreHumanName   = 2
)

// Auto-generated name patterns handed out by the transport or OS.
var placeholderPrefixes = []string{
	"User-",
	"Device-",
	"DIRECT-",
	"AndroidShare_",
	"Phone-",
}

// NameScore ranks a display name: placeholder prefixes score lowest, device
// model strings mid, human-readable names highest. A deliberately simple
// heuristic, subject to tuning.
func NameScore(name string) int {
	if name == "" {
		return scorePlaceholder
	}
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(name, prefix) {
			return scorePlaceholder
		}
	}
	if looksLikeDeviceModel(name) {
		return scoreDeviceModel
	}
	return scoreHumanName
}

// Device model strings are all caps or caps+digits with separators and no
// spaces, e.g. "HONOR-9X", "SM-G991B", "M2101K6G".
func looksLikeDeviceModel(name string) bool {
	if strings.ContainsRune(name, ' ') {
		return false
	}
	hasDigit := false
	hasLower := false
	for _, r := range name {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r), r == '-', r == '_':
		default:
			return false
		}
	}
	return hasDigit && !hasLower
}
