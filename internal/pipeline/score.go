package pipeline

import "github.com/mailverify/mailverify/internal/model"

// Score weights. The positive weights sum to maxRawScore.
const (
	weightSyntax         = 10
	weightDomainExists   = 15
	weightMXValid        = 20
	weightNotDisposable  = 10
	weightNotRole        = 10
	weightNotBlacklisted = 15
	weightSMTPVerified   = 30

	penaltyCatchAll  = -20
	penaltyInboxFull = -10
	penaltyDisabled  = -30

	maxRawScore = weightSyntax + weightDomainExists + weightMXValid +
		weightNotDisposable + weightNotRole + weightNotBlacklisted + weightSMTPVerified
)

// Score rates deliverability from 0 to 100.
func Score(r *model.VerificationResult) int {
	raw := 0
	if r.SyntaxValid {
		raw += weightSyntax
	}
	if r.MXValid == model.True {
		raw += weightDomainExists + weightMXValid
	}
	if !r.IsDisposable {
		raw += weightNotDisposable
	}
	if !r.IsRoleAccount {
		raw += weightNotRole
	}
	if !r.IsBlacklisted {
		raw += weightNotBlacklisted
	}

	switch r.SMTPOutcome {
	case model.SMTPValid:
		raw += weightSMTPVerified
	case model.SMTPCatchAll:
		raw += weightSMTPVerified + penaltyCatchAll
	case model.SMTPInboxFull:
		raw += penaltyInboxFull
	case model.SMTPDisabled:
		raw += penaltyDisabled
	}

	score := raw * 100 / maxRawScore
	return max(0, min(100, score))
}

// Grade maps a score to a letter.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 75:
		return "B"
	case score >= 60:
		return "C"
	case score >= 45:
		return "D"
	default:
		return "F"
	}
}
