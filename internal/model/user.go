// Package model holds the domain types shared across the service: API keys,
// credit accounts, verification results and bulk tasks.
package model

import "time"

// User owns API keys, a credit account and bulk tasks. Verification never
// reads Email; it is kept for operators.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}
