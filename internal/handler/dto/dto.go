// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"time"

	"github.com/mailverify/mailverify/internal/model"
)

// ErrorBody carries a machine-readable code and a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	Email string `json:"email"`
}

// TaskSubmitResponse is returned when a batch is accepted.
type TaskSubmitResponse struct {
	TaskID      string           `json:"task_id"`
	Status      model.TaskStatus `json:"status"`
	Filename    string           `json:"filename"`
	TotalEmails int64            `json:"total_emails"`
}

// TaskResponse represents a bulk task in API responses.
type TaskResponse struct {
	TaskID      string             `json:"task_id"`
	Filename    string             `json:"filename"`
	Status      model.TaskStatus   `json:"status"`
	TotalEmails int64              `json:"total_emails"`
	Processed   int64              `json:"processed"`
	Progress    int                `json:"progress"`
	Counters    model.TaskCounters `json:"counters"`
	Error       string             `json:"error,omitempty"`
	Downloads   map[string]string  `json:"downloads,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// TaskListResponse lists a user's tasks, newest first.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// ToTaskResponse converts a task. Completed tasks get download paths
// relative to apiBase.
func ToTaskResponse(t *model.BulkTask, apiBase string) TaskResponse {
	resp := TaskResponse{
		TaskID:      t.ID,
		Filename:    t.Filename,
		Status:      t.Status,
		TotalEmails: t.TotalEmails,
		Processed:   t.Processed,
		Progress:    t.Progress,
		Counters:    t.Counters,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Status == model.TaskCompleted {
		resp.Downloads = make(map[string]string, len(model.ArtifactKinds))
		for _, kind := range model.ArtifactKinds {
			resp.Downloads[string(kind)] = apiBase + "/tasks/" + t.ID + "/download/" + string(kind)
		}
	}
	return resp
}

// ToTaskListResponse converts a slice of tasks.
func ToTaskListResponse(tasks []*model.BulkTask, apiBase string) TaskListResponse {
	out := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, ToTaskResponse(t, apiBase))
	}
	return out
}

// BalanceResponse reports both balances and their sum.
type BalanceResponse struct {
	Daily   int64 `json:"daily"`
	Instant int64 `json:"instant"`
	Total   int64 `json:"total"`
}

// ToBalanceResponse converts ledger balances.
func ToBalanceResponse(b model.Balances) BalanceResponse {
	return BalanceResponse{Daily: b.Daily, Instant: b.Instant, Total: b.Total()}
}

// PurchaseRequest credits instant balance. UserID defaults to the caller.
type PurchaseRequest struct {
	UserID  string `json:"user_id,omitempty"`
	Instant int64  `json:"instant"`
	Reason  string `json:"reason,omitempty"`
}

// SubscribeRequest sets the daily allowance. UserID defaults to the caller.
// Without EndsAt the subscription is open-ended.
type SubscribeRequest struct {
	UserID string     `json:"user_id,omitempty"`
	Daily  int64      `json:"daily"`
	EndsAt *time.Time `json:"ends_at,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// GrantRequest is an administrator credit.
type GrantRequest struct {
	UserID  string `json:"user_id"`
	Daily   int64  `json:"daily"`
	Instant int64  `json:"instant"`
}

// VerificationListResponse lists single-address records, newest first.
type VerificationListResponse struct {
	Verifications []model.VerificationRecord `json:"verifications"`
}

// HistoryResponse lists ledger entries.
type HistoryResponse struct {
	Entries []model.CreditLedgerEntry `json:"entries"`
}

// ResetResponse reports how many accounts a daily reset changed.
type ResetResponse struct {
	Accounts int `json:"accounts"`
}

// KeyCreateRequest asks for a new key. Scopes default to read and verify.
type KeyCreateRequest struct {
	Name   string   `json:"name,omitempty"`
	Scopes []string `json:"scopes"`
}

// KeyResponse describes a key without its secret.
type KeyResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	RateLimitTier string     `json:"rate_limit_tier"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	Revoked       bool       `json:"revoked"`
}

// KeyListResponse lists keys. Total is set on admin listings.
type KeyListResponse struct {
	Keys  []KeyResponse `json:"keys"`
	Total int           `json:"total,omitempty"`
}

// IssuedKeyResponse carries the plaintext key. It is returned once, on
// creation or rotation.
type IssuedKeyResponse struct {
	KeyResponse
	Key string `json:"key"`
}

// KeyRotateResponse pairs the replacement key with the one it retired.
type KeyRotateResponse struct {
	OldKeyID        string            `json:"old_key_id"`
	OldKeyRevokedAt time.Time         `json:"old_key_revoked_at"`
	NewKey          IssuedKeyResponse `json:"new_key"`
}

// ToKeyResponse converts a stored key.
func ToKeyResponse(k *model.APIKey) KeyResponse {
	return KeyResponse{
		ID:            k.ID,
		Name:          k.Name,
		KeyPrefix:     k.KeyPrefix,
		Scopes:        k.Scopes,
		RateLimitTier: k.RateLimitTier,
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		Revoked:       k.IsRevoked(),
	}
}

// ToKeyListResponse converts stored keys.
func ToKeyListResponse(keys []*model.APIKey) KeyListResponse {
	out := KeyListResponse{Keys: make([]KeyResponse, 0, len(keys))}
	for _, k := range keys {
		out.Keys = append(out.Keys, ToKeyResponse(k))
	}
	return out
}
