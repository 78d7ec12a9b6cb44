package locks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type emittedEvent struct {
	target  string
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (e *recordingEmitter) Emit(target realtime.Target, event string, payload any) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emittedEvent{target: target.String(), event: event, payload: payload})
	return 1
}

func (e *recordingEmitter) take() []emittedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.events
	e.events = nil
	return events
}

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(step)
}

type fixture struct {
	db      *gorm.DB
	manager *Manager
	emitter *recordingEmitter
	clock   *testClock
	alice   users.User
	bob     users.User
	post    posts.Post
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "locks.db") + "?_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(users.Models(), posts.Models()...)
	if err := db.AutoMigrate(append(models, Models()...)...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	alice, err := userService.Create(context.Background(), "alice", users.RoleUser)
	if err != nil {
		t.Fatalf("failed to create alice: %v", err)
	}
	bob, err := userService.Create(context.Background(), "bob", users.RoleUser)
	if err != nil {
		t.Fatalf("failed to create bob: %v", err)
	}
	post := posts.Post{AuthorID: alice.ID, Title: "Draft", Content: "v1", CreatedAtMicros: clock.Now().UnixMicro()}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to create post: %v", err)
	}

	emitter := &recordingEmitter{}
	manager, err := NewManager(ManagerConfig{
		Database: db,
		Users:    userService,
		Emitter:  emitter,
		TTL:      15 * time.Minute,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return fixture{db: db, manager: manager, emitter: emitter, clock: clock, alice: alice, bob: bob, post: post}
}

func (f fixture) lockRows(t *testing.T) []PostLock {
	t.Helper()
	var rows []PostLock
	if err := f.db.Find(&rows).Error; err != nil {
		t.Fatalf("failed to list locks: %v", err)
	}
	return rows
}

func TestAcquireEmitsAcquiredToPostRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	wantExpiry := f.clock.Now().Add(15 * time.Minute).UnixMicro()
	if result.Lock.ExpiresAtMicros != wantExpiry || result.HolderUsername != "alice" || result.Renewed {
		t.Fatalf("unexpected result: %+v", result)
	}

	events := f.emitter.take()
	if len(events) != 1 || events[0].event != realtime.EventLockAcquired || events[0].target != "room:post_1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	payload := events[0].payload.(AcquiredEvent)
	if payload.HolderID != f.alice.ID || payload.HolderUsername != "alice" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAcquireConflictReportsHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.emitter.take()

	_, err := f.manager.Acquire(ctx, f.post.ID, f.bob.ID)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.HolderUsername != "alice" {
		t.Fatalf("expected conflict naming alice, got %+v", conflict)
	}
	if events := f.emitter.take(); len(events) != 0 {
		t.Fatalf("conflicts must not broadcast, got %+v", events)
	}
	if rows := f.lockRows(t); len(rows) != 1 || rows[0].UserID != f.alice.ID {
		t.Fatalf("expected alice to keep the lock, got %+v", rows)
	}
}

func TestRenewStrictlyExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	second, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !second.Renewed || second.Lock.ExpiresAtMicros <= first.Lock.ExpiresAtMicros {
		t.Fatalf("expected strictly later expiry, got %d then %d", first.Lock.ExpiresAtMicros, second.Lock.ExpiresAtMicros)
	}

	f.clock.Advance(time.Minute)
	third, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if third.Lock.ExpiresAtMicros != f.clock.Now().Add(15*time.Minute).UnixMicro() {
		t.Fatalf("expected renewal to now+ttl, got %d", third.Lock.ExpiresAtMicros)
	}

	events := f.emitter.take()
	if len(events) != 3 || events[1].event != realtime.EventLockRenewed || events[2].event != realtime.EventLockRenewed {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAcquireTakesOverExpiredLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.emitter.take()

	f.clock.Advance(15 * time.Minute)
	result, err := f.manager.Acquire(ctx, f.post.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if result.Lock.UserID != f.bob.ID {
		t.Fatalf("expected bob to hold the lock, got %+v", result.Lock)
	}

	events := f.emitter.take()
	if len(events) != 2 {
		t.Fatalf("expected release then acquire, got %+v", events)
	}
	released := events[0].payload.(ReleasedEvent)
	if events[0].event != realtime.EventLockReleased || released.Reason != ReasonExpired || released.ReleasedByUserID != f.alice.ID {
		t.Fatalf("unexpected release event: %+v", events[0])
	}
	if events[1].event != realtime.EventLockAcquired {
		t.Fatalf("expected acquire event second, got %s", events[1].event)
	}
}

func TestReleaseOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Release(ctx, f.post.ID, f.alice.ID); !errors.Is(err, ErrNoLock) {
		t.Fatalf("expected ErrNoLock, got %v", err)
	}
	if _, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.emitter.take()

	if _, err := f.manager.Release(ctx, f.post.ID, f.bob.ID); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if _, err := f.manager.Release(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	events := f.emitter.take()
	if len(events) != 1 {
		t.Fatalf("expected one release event, got %+v", events)
	}
	released := events[0].payload.(ReleasedEvent)
	if released.Reason != "" || released.Username != "alice" {
		t.Fatalf("unexpected release payload: %+v", released)
	}
	if rows := f.lockRows(t); len(rows) != 0 {
		t.Fatalf("expected no lock rows, got %+v", rows)
	}
}

func TestCurrentSweepsExpiredLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lock, live, err := f.manager.Current(ctx, f.post.ID)
	if err != nil || !live || lock.UserID != f.alice.ID {
		t.Fatalf("expected live lock, got %+v live=%v (%v)", lock, live, err)
	}
	f.emitter.take()

	f.clock.Advance(16 * time.Minute)
	_, live, err = f.manager.Current(ctx, f.post.ID)
	if err != nil || live {
		t.Fatalf("expected no live lock after expiry (%v)", err)
	}
	events := f.emitter.take()
	if len(events) != 1 || events[0].payload.(ReleasedEvent).Reason != ReasonExpired {
		t.Fatalf("expected expiry release, got %+v", events)
	}
	if rows := f.lockRows(t); len(rows) != 0 {
		t.Fatalf("expected lock row removed, got %+v", rows)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := posts.Post{AuthorID: f.bob.ID, Title: "Other", Content: "x", CreatedAtMicros: 1}
	if err := f.db.Create(&second).Error; err != nil {
		t.Fatalf("failed to create post: %v", err)
	}
	if _, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.manager.Acquire(ctx, second.ID, f.bob.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.emitter.take()

	f.clock.Advance(6 * time.Minute)
	swept, err := f.manager.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one swept lock, got %d", swept)
	}
	rows := f.lockRows(t)
	if len(rows) != 1 || rows[0].PostID != second.ID {
		t.Fatalf("expected only the fresh lock to remain, got %+v", rows)
	}
}

func TestAcquireMissingPost(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Acquire(context.Background(), 999, f.alice.ID); !errors.Is(err, posts.ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestLockRowDeletedWithPost(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Acquire(context.Background(), f.post.ID, f.alice.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := f.db.Delete(&posts.Post{}, f.post.ID).Error; err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if rows := f.lockRows(t); len(rows) != 0 {
		t.Fatalf("expected lock to cascade with its post, got %+v", rows)
	}
}

func TestConcurrentAcquireGrantsSingleHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contenders := []uint{f.alice.ID, f.bob.ID}

	var wg sync.WaitGroup
	results := make(chan error, len(contenders))
	for _, userID := range contenders {
		wg.Add(1)
		go func(userID uint) {
			defer wg.Done()
			_, err := f.manager.Acquire(ctx, f.post.ID, userID)
			results <- err
		}(userID)
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrLocked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one holder, got %d", successes)
	}
	if rows := f.lockRows(t); len(rows) != 1 {
		t.Fatalf("expected one lock row, got %+v", rows)
	}
}

func (f fixture) installTrigger(t *testing.T, statement string) {
	t.Helper()
	if err := f.db.Exec(statement).Error; err != nil {
		t.Fatalf("failed to install trigger: %v", err)
	}
}

func TestRenewAfterExpiryRestartsLockedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	live, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if live.Lock.LockedAtMicros != first.Lock.LockedAtMicros {
		t.Fatalf("renewing a live lock must keep locked_at, got %d want %d", live.Lock.LockedAtMicros, first.Lock.LockedAtMicros)
	}

	f.clock.Advance(20 * time.Minute)
	revived, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	now := f.clock.Now().UnixMicro()
	if !revived.Renewed || revived.Lock.LockedAtMicros != now {
		t.Fatalf("expected locked_at to restart at %d, got %+v", now, revived)
	}
	rows := f.lockRows(t)
	if len(rows) != 1 || rows[0].LockedAtMicros != now || rows[0].ExpiresAtMicros != revived.Lock.ExpiresAtMicros {
		t.Fatalf("expected stored lock to match renewal, got %+v", rows)
	}
}

func TestAcquireStoreFailureSuppressesBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.installTrigger(t, `CREATE TRIGGER reject_lock_insert BEFORE INSERT ON post_locks
		BEGIN SELECT RAISE(ABORT, 'disk unavailable'); END;`)

	_, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	var serviceErr *svcerr.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "locks.acquire.row_insert_failed" {
		t.Fatalf("expected row_insert_failed service error, got %v", err)
	}
	if errors.Is(err, ErrLocked) {
		t.Fatalf("store failures must not surface as conflicts: %v", err)
	}
	if events := f.emitter.take(); len(events) != 0 {
		t.Fatalf("failed acquire must not broadcast, got %+v", events)
	}
	if rows := f.lockRows(t); len(rows) != 0 {
		t.Fatalf("expected no lock row, got %+v", rows)
	}
}

func TestRenewStoreFailureKeepsPreviousExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	f.emitter.take()
	f.installTrigger(t, `CREATE TRIGGER reject_lock_update BEFORE UPDATE ON post_locks
		BEGIN SELECT RAISE(ABORT, 'disk unavailable'); END;`)

	f.clock.Advance(time.Minute)
	_, err = f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	var serviceErr *svcerr.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "locks.acquire.row_update_failed" {
		t.Fatalf("expected row_update_failed service error, got %v", err)
	}
	if events := f.emitter.take(); len(events) != 0 {
		t.Fatalf("failed renewal must not broadcast, got %+v", events)
	}
	if rows := f.lockRows(t); len(rows) != 1 || rows[0].ExpiresAtMicros != first.Lock.ExpiresAtMicros {
		t.Fatalf("expected the original lock to survive, got %+v", rows)
	}
}

func TestAcquireUnresolvedRaceIsNotAConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.installTrigger(t, `CREATE TRIGGER swallow_lock_insert BEFORE INSERT ON post_locks
		BEGIN SELECT RAISE(IGNORE); END;`)

	_, err := f.manager.Acquire(ctx, f.post.ID, f.alice.ID)
	if err == nil {
		t.Fatalf("expected acquire to fail when the row never lands")
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		t.Fatalf("expected an internal error, got conflict %+v", conflict)
	}
	var serviceErr *svcerr.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "locks.acquire.race_unresolved" {
		t.Fatalf("expected race_unresolved service error, got %v", err)
	}
	if events := f.emitter.take(); len(events) != 0 {
		t.Fatalf("unresolved race must not broadcast, got %+v", events)
	}
}
