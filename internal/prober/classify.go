package prober

import (
	"strings"

	"github.com/mailverify/mailverify/internal/model"
)

var inboxFullKeywords = []string{
	"mailbox full", "mailbox is full", "quota exceeded", "over quota",
	"storage exceeded", "insufficient storage", "exceeded storage",
}

var disabledKeywords = []string{
	"disabled", "inactive", "deactivated", "suspended", "no longer active",
}

// rateLimitKeywords mark a 452 that means "slow down" rather than "full".
var rateLimitKeywords = []string{"too many", "rate"}

// ClassifyRCPT maps an RCPT TO reply to an outcome. Temporary and
// unrecognised replies are unknown; only 5xx replies can be terminal
// refusals or disabled mailboxes.
func ClassifyRCPT(code int, msg string) model.SMTPOutcome {
	lower := strings.ToLower(msg)

	switch {
	case code == 250 || code == 251:
		return model.SMTPValid
	case code == 452 && containsAny(lower, rateLimitKeywords):
		return model.SMTPUnknown
	case code == 452 || code == 552 || code == 422:
		return model.SMTPInboxFull
	case code >= 400 && code < 600 && containsAny(lower, inboxFullKeywords):
		return model.SMTPInboxFull
	case code == 554:
		return model.SMTPDisabled
	case code >= 500 && code < 600 && containsAny(lower, disabledKeywords):
		return model.SMTPDisabled
	case code >= 500 && code < 600:
		return model.SMTPRefused
	default:
		// 421/450/451 greylisting and everything unrecognised.
		return model.SMTPUnknown
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
