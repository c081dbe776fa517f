// Package phone normalizes guest phone numbers into the single canonical
// form both messaging backends expect.
package phone

import (
	"strings"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

// SessionServer is the addressing domain tag the session transport requires
// after the digit string.
const SessionServer = "s.whatsapp.net"

// maxNationalDigits is the longest digit string still treated as a national
// number missing its country code. Anything longer is assumed to carry one.
const maxNationalDigits = 10

// Normalizer applies the canonical phone-number form. The default country
// code is deployment configuration, not a constant: which country a bare
// national number belongs to depends entirely on where the product runs.
type Normalizer struct {
	// DefaultCountryCode is the digit prefix (no "+") applied to numbers
	// that lack one, e.g. "1" or "44". Empty disables prefixing.
	DefaultCountryCode string
}

// New creates a Normalizer with the given default country code. Non-digit
// characters in the code (a leading "+") are dropped.
func New(defaultCountryCode string) *Normalizer {
	return &Normalizer{DefaultCountryCode: digits(defaultCountryCode)}
}

// Normalize strips all non-digit characters and applies the default country
// code to numbers that lack a recognized prefix. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) (string, error) {
	d := digits(raw)
	if d == "" {
		return "", domain.ErrInvalidRequest("phone number has no digits")
	}

	cc := n.DefaultCountryCode
	if cc == "" {
		return d, nil
	}

	switch {
	case strings.HasPrefix(d, cc):
		return d, nil
	case strings.HasPrefix(d, "0"):
		// National trunk prefix: replace the leading zero.
		return cc + strings.TrimLeft(d, "0"), nil
	case len(d) <= maxNationalDigits:
		return cc + d, nil
	default:
		// Long enough to already carry some country code.
		return d, nil
	}
}

// JID returns the session-transport address for raw: the normalized digit
// string suffixed with the provider's server tag.
func (n *Normalizer) JID(raw string) (string, error) {
	d, err := n.Normalize(raw)
	if err != nil {
		return "", err
	}
	return d + "@" + SessionServer, nil
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
