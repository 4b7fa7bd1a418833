// Package classifier provides the I/O-free checks of the verification pipeline:
// syntax validation and static domain/local-part lookups.
package classifier

import (
	_ "embed"
	"strings"
)

var (
	//go:embed data/disposable.txt
	rawDisposable string
	//go:embed data/free.txt
	rawFree string
	//go:embed data/spamtrap.txt
	rawSpamTrap string
	//go:embed data/blacklist.txt
	rawBlacklist string
)

var (
	disposableDomains = parseList(rawDisposable)
	freeDomains       = parseList(rawFree)
	spamTrapDomains   = parseList(rawSpamTrap)
	blacklistDomains  = parseList(rawBlacklist)
)

// disposablePatterns catch throwaway services missing from the list.
var disposablePatterns = []string{
	"tempmail", "temp-mail", "tmpmail", "guerrilla", "mailinator",
	"throwaway", "disposable", "fakeinbox", "trashmail", "yopmail",
	"10minute", "minutemail", "sharklasers", "burnermail", "maildrop",
	"getnada", "spamgourmet", "mailnesia",
}

var spamTrapPatterns = []string{"spamtrap", "honeypot", "blackhole"}

var roleAccounts = toSet(
	"admin", "administrator", "root", "sysadmin", "webmaster", "hostmaster", "postmaster",
	"support", "help", "helpdesk", "service", "customer", "customerservice", "customersupport",
	"sales", "marketing", "info", "contact", "enquiry", "inquiry", "team",
	"billing", "accounts", "accounting", "finance", "payment", "payments", "invoice", "invoices",
	"office", "reception", "legal", "compliance", "privacy", "security",
	"noreply", "no-reply", "donotreply", "do-not-reply", "mailer-daemon",
	"abuse", "feedback", "press", "media", "news", "pr", "public",
	"hr", "jobs", "careers", "recruitment", "hiring", "apply", "application",
	"dev", "developer", "it", "tech", "technical", "engineering",
	"orders", "order", "shop", "store", "returns", "refunds", "reservations",
)

// trustedProviders block or stall mailbox callouts, so a resolvable MX is
// taken as proof of deliverability when the callout is inconclusive.
var trustedProviders = toSet(
	"gmail.com", "googlemail.com",
	"outlook.com", "hotmail.com", "live.com", "msn.com", "outlook.in",
	"yahoo.com", "yahoo.co.uk", "yahoo.co.in", "yahoo.in", "ymail.com", "rocketmail.com",
	"icloud.com", "me.com", "mac.com",
	"aol.com", "aim.com",
	"protonmail.com", "proton.me", "pm.me",
	"zoho.com", "zohomail.com", "zoho.in",
	"fastmail.com", "fastmail.fm",
	"tutanota.com", "tutanota.de", "tuta.io",
	"gmx.com", "gmx.net", "gmx.de",
	"mail.com", "email.com",
	"yandex.com", "yandex.ru",
	"rediffmail.com",
)

// Flags are the static classification facts about an address.
type Flags struct {
	Disposable      bool
	Role            bool
	FreeProvider    bool
	SpamTrap        bool
	Blacklisted     bool
	TrustedProvider bool
}

// Classify looks up a syntactically valid local part and domain.
func Classify(local, domain string) Flags {
	return Flags{
		Disposable:      IsDisposable(domain),
		Role:            IsRoleAccount(local),
		FreeProvider:    IsFreeProvider(domain),
		SpamTrap:        IsSpamTrap(local, domain),
		Blacklisted:     IsBlacklisted(domain),
		TrustedProvider: IsTrustedProvider(domain),
	}
}

// IsDisposable reports whether the domain, or any parent of it, is a known
// disposable provider or matches a disposable naming pattern.
func IsDisposable(domain string) bool {
	if matchDomainOrParent(disposableDomains, domain) {
		return true
	}
	for _, p := range disposablePatterns {
		if strings.Contains(domain, p) {
			return true
		}
	}
	return false
}

// IsRoleAccount reports whether the local part addresses a function rather than a person.
func IsRoleAccount(local string) bool {
	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	if _, ok := roleAccounts[local]; ok {
		return true
	}
	compact := strings.NewReplacer(".", "", "-", "", "_", "").Replace(local)
	_, ok := roleAccounts[compact]
	return ok
}

// IsFreeProvider reports whether the domain is a consumer mailbox provider.
func IsFreeProvider(domain string) bool {
	_, ok := freeDomains[domain]
	return ok
}

// IsTrustedProvider reports whether an inconclusive callout to the domain
// falls back to the MX verdict.
func IsTrustedProvider(domain string) bool {
	_, ok := trustedProviders[domain]
	return ok
}

// IsSpamTrap reports known trap domains and trap-like local parts.
func IsSpamTrap(local, domain string) bool {
	if matchDomainOrParent(spamTrapDomains, domain) {
		return true
	}
	for _, p := range spamTrapPatterns {
		if strings.Contains(local, p) {
			return true
		}
	}
	return false
}

// IsBlacklisted reports domains refused regardless of DNS.
func IsBlacklisted(domain string) bool {
	return matchDomainOrParent(blacklistDomains, domain)
}

func matchDomainOrParent(set map[string]struct{}, domain string) bool {
	for d := domain; d != ""; {
		if _, ok := set[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			return false
		}
		d = d[i+1:]
		// Never match on a bare TLD.
		if !strings.Contains(d, ".") {
			return false
		}
	}
	return false
}

func parseList(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			set[strings.ToLower(line)] = struct{}{}
		}
	}
	return set
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
