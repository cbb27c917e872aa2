package telephony

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is assumed for numbers written without a country code.
const DefaultRegion = "US"

// ErrInvalidNumber marks a destination the provider could never dial.
var ErrInvalidNumber = errors.New("telephony: invalid phone number")

// NormalizeNumber parses raw and returns it in E.164 form.
func NormalizeNumber(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	if region == "" {
		region = DefaultRegion
	}
	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidNumber, raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// normalizePhone is the lenient form for provider callbacks: Twilio may send
// "anonymous", a client identity or an empty value, which are kept as sent.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if n, err := NormalizeNumber(s, DefaultRegion); err == nil {
		return n
	}
	return s
}
