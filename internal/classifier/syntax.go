package classifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Length limits (RFC 3696 errata / RFC 5321).
const (
	MaxAddressLength = 320
	MaxLocalLength   = 64
	MaxDomainLength  = 255
)

// Syntax errors. All wrap ErrInvalidSyntax.
var (
	ErrInvalidSyntax = errors.New("invalid email syntax")
	ErrEmpty         = fmt.Errorf("%w: empty address", ErrInvalidSyntax)
	ErrTooLong       = fmt.Errorf("%w: address too long", ErrInvalidSyntax)
	ErrMissingAt     = fmt.Errorf("%w: expected exactly one @", ErrInvalidSyntax)
	ErrLocalPart     = fmt.Errorf("%w: invalid local part", ErrInvalidSyntax)
	ErrDomain        = fmt.Errorf("%w: invalid domain", ErrInvalidSyntax)
)

var (
	localPattern = regexp.MustCompile(
		"^[a-zA-Z0-9!#$%&'*+/=?^_`{|}~-]+(?:\\.[a-zA-Z0-9!#$%&'*+/=?^_`{|}~-]+)*$",
	)
	domainPattern = regexp.MustCompile(
		`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+(?:[a-zA-Z]{2,}|xn--[a-zA-Z0-9-]{2,})$`,
	)
)

// Normalize trims surrounding whitespace and lower-cases the address.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// CheckSyntax validates a normalized address and splits it.
// The returned domain is in ASCII (punycode) form.
func CheckSyntax(addr string) (local, domain string, err error) {
	if addr == "" {
		return "", "", ErrEmpty
	}
	if len(addr) > MaxAddressLength {
		return "", "", ErrTooLong
	}
	if strings.Count(addr, "@") != 1 {
		return "", "", ErrMissingAt
	}

	at := strings.IndexByte(addr, '@')
	local, domain = addr[:at], addr[at+1:]

	if local == "" || len(local) > MaxLocalLength || !localPattern.MatchString(local) {
		return "", "", ErrLocalPart
	}

	if domain == "" || strings.Contains(domain, "..") ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", "", ErrDomain
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", "", ErrDomain
	}
	if len(ascii) > MaxDomainLength || !domainPattern.MatchString(ascii) {
		return "", "", ErrDomain
	}

	return local, ascii, nil
}
