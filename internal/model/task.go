package model

import "time"

// TaskStatus represents the lifecycle state of a bulk task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsFinal reports whether the task no longer changes.
func (s TaskStatus) IsFinal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Category is the bucket a result is counted under in a bulk task.
type Category int

const (
	CategorySafe Category = iota
	CategoryRole
	CategoryCatchAll
	CategoryDisposable
	CategoryInboxFull
	CategorySpamTrap
	CategoryDisabled
	CategoryInvalid
	CategoryUnknown

	categoryCount
)

// NumCategories is the number of bulk counters.
const NumCategories = int(categoryCount)

// CategoryOf maps a verdict to its bulk counter.
func CategoryOf(r *VerificationResult) Category {
	switch r.Status {
	case StatusValid:
		if r.IsRoleAccount {
			return CategoryRole
		}
		return CategorySafe
	case StatusCatchAll:
		return CategoryCatchAll
	case StatusDisposable:
		return CategoryDisposable
	case StatusInboxFull:
		return CategoryInboxFull
	case StatusDisabled:
		return CategoryDisabled
	case StatusInvalid:
		return CategoryInvalid
	case StatusRisky:
		if r.IsSpamTrap {
			return CategorySpamTrap
		}
		return CategoryUnknown
	default:
		return CategoryUnknown
	}
}

// TaskCounters holds the per-category totals of a bulk task.
type TaskCounters struct {
	Safe       int64 `json:"safe"`
	Role       int64 `json:"role"`
	CatchAll   int64 `json:"catch_all"`
	Disposable int64 `json:"disposable"`
	InboxFull  int64 `json:"inbox_full"`
	SpamTrap   int64 `json:"spam_trap"`
	Disabled   int64 `json:"disabled"`
	Invalid    int64 `json:"invalid"`
	Unknown    int64 `json:"unknown"`
}

// CountersFrom builds TaskCounters from a category-indexed array.
func CountersFrom(c [NumCategories]int64) TaskCounters {
	return TaskCounters{
		Safe:       c[CategorySafe],
		Role:       c[CategoryRole],
		CatchAll:   c[CategoryCatchAll],
		Disposable: c[CategoryDisposable],
		InboxFull:  c[CategoryInboxFull],
		SpamTrap:   c[CategorySpamTrap],
		Disabled:   c[CategoryDisabled],
		Invalid:    c[CategoryInvalid],
		Unknown:    c[CategoryUnknown],
	}
}

// Sum returns the total across all categories.
func (c TaskCounters) Sum() int64 {
	return c.Safe + c.Role + c.CatchAll + c.Disposable + c.InboxFull +
		c.SpamTrap + c.Disabled + c.Invalid + c.Unknown
}

// ArtifactKind names one of the three downloadable outputs of a task.
type ArtifactKind string

const (
	ArtifactAll     ArtifactKind = "all"
	ArtifactValid   ArtifactKind = "valid"
	ArtifactInvalid ArtifactKind = "invalid"
)

// ArtifactKinds lists every output in write order.
var ArtifactKinds = []ArtifactKind{ArtifactAll, ArtifactValid, ArtifactInvalid}

// IsValid checks if the kind names a known artifact.
func (k ArtifactKind) IsValid() bool {
	return k == ArtifactAll || k == ArtifactValid || k == ArtifactInvalid
}

// BulkTask is one batch verification job.
type BulkTask struct {
	ID          string       `json:"task_id"`
	UserID      string       `json:"user_id"`
	Filename    string       `json:"filename"`
	Sources     []string     `json:"-"`
	Status      TaskStatus   `json:"status"`
	TotalEmails int64        `json:"total_emails"`
	Processed   int64        `json:"processed"`
	Progress    int          `json:"progress"`
	Counters    TaskCounters `json:"counters"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ArtifactKey returns the storage key of one of the task's outputs.
func (t *BulkTask) ArtifactKey(kind ArtifactKind) string {
	return "tasks/" + t.ID + "/results/" + string(kind) + ".csv"
}

// StoragePrefix returns the prefix under which all task objects live.
func (t *BulkTask) StoragePrefix() string {
	return "tasks/" + t.ID + "/"
}
