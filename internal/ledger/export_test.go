package ledger

import "time"

// SetClock replaces the ledger's time source.
func SetClock(l *Ledger, now func() time.Time) {
	l.now = now
}
