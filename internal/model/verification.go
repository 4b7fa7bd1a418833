package model

import (
	"fmt"
	"time"
)

// Status is the final verdict for a single address.
// Values are mutually exclusive; strings are used only at the API edge.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusValid
	StatusInvalid
	StatusDisposable
	StatusRisky
	StatusCatchAll
	StatusInboxFull
	StatusDisabled
)

var statusNames = map[Status]string{
	StatusUnknown:    "unknown",
	StatusValid:      "valid",
	StatusInvalid:    "invalid",
	StatusDisposable: "disposable",
	StatusRisky:      "risky",
	StatusCatchAll:   "catch_all",
	StatusInboxFull:  "inbox_full",
	StatusDisabled:   "disabled",
}

// String returns the wire name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus maps a wire name back to a Status.
func ParseStatus(name string) (Status, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", name)
}

// SMTPOutcome is the classified result of a mailbox callout.
type SMTPOutcome uint8

const (
	SMTPUnknown SMTPOutcome = iota
	SMTPValid
	SMTPInboxFull
	SMTPCatchAll
	SMTPDisabled
	SMTPRefused
	// SMTPNotChecked means the prober never ran (an earlier stage was terminal).
	SMTPNotChecked
)

var smtpOutcomeNames = map[SMTPOutcome]string{
	SMTPUnknown:    "unknown",
	SMTPValid:      "valid",
	SMTPInboxFull:  "inbox_full",
	SMTPCatchAll:   "catch_all",
	SMTPDisabled:   "disabled",
	SMTPRefused:    "refused",
	SMTPNotChecked: "not_checked",
}

// String returns the wire name of the outcome.
func (o SMTPOutcome) String() string {
	if name, ok := smtpOutcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (o SMTPOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *SMTPOutcome) UnmarshalText(text []byte) error {
	for outcome, n := range smtpOutcomeNames {
		if n == string(text) {
			*o = outcome
			return nil
		}
	}
	return fmt.Errorf("unknown smtp outcome %q", string(text))
}

// Tristate is a boolean that may also be undetermined.
type Tristate int8

const (
	Undetermined Tristate = iota
	True
	False
)

// TristateOf converts a bool.
func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// String renders "true", "false" or "unknown".
func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON renders true, false or null.
func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false or null.
func (t *Tristate) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "null":
		*t = Undetermined
	default:
		return fmt.Errorf("invalid tristate %s", string(data))
	}
	return nil
}

// VerificationResult is the verdict for a single address.
type VerificationResult struct {
	Email          string        `json:"email"`
	Status         Status        `json:"status"`
	IsValid        bool          `json:"is_valid"`
	SyntaxValid    bool          `json:"syntax_valid"`
	MXValid        Tristate      `json:"mx_valid"`
	SMTPOutcome    SMTPOutcome   `json:"smtp_outcome"`
	SMTPCode       int           `json:"smtp_code,omitempty"`
	IsDisposable   bool          `json:"is_disposable"`
	IsRoleAccount  bool          `json:"is_role_account"`
	IsCatchAll     bool          `json:"is_catch_all"`
	IsFreeProvider bool          `json:"is_free_provider"`
	IsSpamTrap     bool          `json:"is_spam_trap"`
	IsBlacklisted  bool          `json:"is_blacklisted"`
	MXHost         string        `json:"mx_host,omitempty"`
	Score          int           `json:"score"`
	Grade          string        `json:"grade"`
	Reason         string        `json:"reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	Skipped        bool          `json:"skipped,omitempty"`
	TimeTaken      time.Duration `json:"time_taken"`
}

// SafeToSend reports whether the verdict allows sending.
// Role accounts with a valid mailbox count; disposables never reach StatusValid.
func (r *VerificationResult) SafeToSend() bool {
	return r.Status == StatusValid
}

// VerificationRecord is the stored summary of one single-address check.
type VerificationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Status    Status    `json:"status"`
	Score     int       `json:"score"`
	Grade     string    `json:"grade"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordOf condenses a result for userID.
func RecordOf(userID string, res *VerificationResult, at time.Time) *VerificationRecord {
	return &VerificationRecord{
		UserID:    userID,
		Email:     res.Email,
		Status:    res.Status,
		Score:     res.Score,
		Grade:     res.Grade,
		CreatedAt: at.UTC(),
	}
}

// VerificationSummary aggregates a user's records. Invalid counts every
// record that is not valid.
type VerificationSummary struct {
	Total          int64            `json:"total"`
	Valid          int64            `json:"valid"`
	Invalid        int64            `json:"invalid"`
	ByStatus       map[string]int64 `json:"by_status"`
	LastVerifiedAt *time.Time       `json:"last_verified_at"`
}

// Add counts one record.
func (s *VerificationSummary) Add(status Status, n int64, at time.Time) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[string]int64)
	}
	s.ByStatus[status.String()] += n
	s.Total += n
	if status == StatusValid {
		s.Valid += n
	}
	s.Invalid = s.Total - s.Valid
	if s.LastVerifiedAt == nil || at.After(*s.LastVerifiedAt) {
		at = at.UTC()
		s.LastVerifiedAt = &at
	}
}
