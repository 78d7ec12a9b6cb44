package locks

import (
	"testing"
	"time"
)

func TestDecideAcquire(t *testing.T) {
	const now = int64(1_000_000)
	cases := []struct {
		name     string
		existing *PostLock
		userID   uint
		want     acquireAction
	}{
		{name: "unlocked", existing: nil, userID: 1, want: actionInsert},
		{name: "holder renews live lock", existing: &PostLock{UserID: 1, ExpiresAtMicros: now + 10}, userID: 1, want: actionRenew},
		{name: "holder renews expired lock", existing: &PostLock{UserID: 1, ExpiresAtMicros: now - 10}, userID: 1, want: actionRenew},
		{name: "other user blocked by live lock", existing: &PostLock{UserID: 1, ExpiresAtMicros: now + 1}, userID: 2, want: actionReject},
		{name: "expiry equal to now is expired", existing: &PostLock{UserID: 1, ExpiresAtMicros: now}, userID: 2, want: actionTakeover},
		{name: "other user takes over stale lock", existing: &PostLock{UserID: 1, ExpiresAtMicros: now - 1}, userID: 2, want: actionTakeover},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decideAcquire(tc.existing, tc.userID, now); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRenewedExpiryStrictlyExtends(t *testing.T) {
	ttl := 15 * time.Minute
	if got := renewedExpiry(100, 100, 0); got != 101 {
		t.Fatalf("expected bump past previous expiry, got %d", got)
	}
	previous := int64(5_000)
	if got := renewedExpiry(previous, 5_000, ttl); got != 5_000+ttl.Microseconds() {
		t.Fatalf("expected now+ttl, got %d", got)
	}
}
