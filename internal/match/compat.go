package match

import (
	"strings"

	"github.com/friendapp/rtc/internal/directory"
)

// Policy tunes the compatibility predicate.
type Policy struct {
	// LanguageWildcard makes an unset language on either side match
	// anything. When false an unset language disqualifies.
	LanguageWildcard bool
}

// Eligible reports whether a profile carries the attributes matching
// requires. Gender is always required; language only when the wildcard
// policy is off. Location stays optional.
func Eligible(p directory.Profile, policy Policy) bool {
	if strings.TrimSpace(p.Gender) == "" {
		return false
	}
	return policy.LanguageWildcard || strings.TrimSpace(p.Language) != ""
}

// Compatible is the pure pairing predicate: opposite gender always,
// same language subject to the wildcard policy.
func Compatible(a, b directory.Profile, policy Policy) bool {
	if !oppositeGender(a.Gender, b.Gender) {
		return false
	}
	la, lb := norm(a.Language), norm(b.Language)
	if la == "" || lb == "" {
		return policy.LanguageWildcard
	}
	return la == lb
}

func oppositeGender(a, b string) bool {
	ga, gb := norm(a), norm(b)
	return (ga == "male" && gb == "female") || (ga == "female" && gb == "male")
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
