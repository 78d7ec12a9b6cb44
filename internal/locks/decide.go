package locks

import "time"

type acquireAction int

const (
	actionInsert acquireAction = iota + 1
	actionRenew
	actionReject
	actionTakeover
)

func (a acquireAction) String() string {
	switch a {
	case actionInsert:
		return "acquired"
	case actionRenew:
		return "renewed"
	case actionReject:
		return "conflict"
	case actionTakeover:
		return "taken_over"
	default:
		return "unknown"
	}
}

// decideAcquire is the acquire transition of the lock state machine.
func decideAcquire(existing *PostLock, userID uint, nowMicros int64) acquireAction {
	switch {
	case existing == nil:
		return actionInsert
	case existing.UserID == userID:
		return actionRenew
	case existing.LiveAt(nowMicros):
		return actionReject
	default:
		return actionTakeover
	}
}

// renewedExpiry returns now+ttl, bumped past previous so a renewal always extends the lock.
func renewedExpiry(previousMicros, nowMicros int64, ttl time.Duration) int64 {
	next := nowMicros + ttl.Microseconds()
	if next <= previousMicros {
		next = previousMicros + 1
	}
	return next
}
