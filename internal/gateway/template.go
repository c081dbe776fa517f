package gateway

import (
	"regexp"
	"strings"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Personalize substitutes named placeholders in template with the guest's
// details. Unresolved placeholders stay in the output verbatim; silent
// deletion would corrupt messages when a template names a field we do not
// know about.
func Personalize(template string, guest domain.Guest) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := guestField(guest, key); ok {
			return v
		}
		return match
	})
}

func guestField(g domain.Guest, key string) (string, bool) {
	switch key {
	case "name":
		if g.FirstName != "" {
			return g.FirstName, true
		}
		return g.Name, true
	case "full_name":
		return g.Name, true
	case "first_name":
		if g.FirstName != "" {
			return g.FirstName, true
		}
		first, _, _ := strings.Cut(g.Name, " ")
		return first, true
	case "phone":
		return g.Phone, true
	default:
		return "", false
	}
}
