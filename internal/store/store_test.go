package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/continuia/secondopinion-chat/internal/domain"
	"github.com/google/go-cmp/cmp"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	return New(NewMemory(), "", nil).WithClock(clock.Now), clock
}

func TestIsValidBoundaries(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	tests := []struct {
		name         string
		age          time.Duration
		idle         time.Duration
		expectedOkay bool
	}{
		{name: "fresh", age: time.Minute, idle: time.Minute, expectedOkay: true},
		{name: "just under both limits", age: MaxSessionAge - time.Millisecond, idle: MaxIdle - time.Millisecond, expectedOkay: true},
		{name: "age at limit", age: MaxSessionAge, idle: time.Minute, expectedOkay: false},
		{name: "idle at limit", age: time.Hour * 30, idle: MaxIdle, expectedOkay: false},
		{name: "idle 25 hours", age: 26 * time.Hour, idle: 25 * time.Hour, expectedOkay: false},
		{name: "age 8 days", age: 8 * 24 * time.Hour, idle: time.Minute, expectedOkay: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := domain.SessionDescriptor{
				SessionID:      "sess-1",
				AgentName:      "arika",
				CreatedAt:      baseTime.Add(-tt.age),
				LastActivityAt: baseTime.Add(-tt.idle),
			}
			if got := s.IsValid(d); got != tt.expectedOkay {
				t.Errorf("IsValid() = %v, want %v", got, tt.expectedOkay)
			}
		})
	}
}

func TestSaveStampsActivityAndOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newTestStore(t)

	first := domain.SessionDescriptor{
		SessionID:      "sess-1",
		AgentID:        "agent-1",
		AgentName:      "arika",
		CreatedAt:      baseTime.Add(-time.Hour),
		LastActivityAt: baseTime.Add(-time.Hour),
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got := s.Load(ctx)
	if got == nil {
		t.Fatal("expected descriptor after Save")
	}
	if !got.LastActivityAt.Equal(baseTime) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, baseTime)
	}

	clock.now = baseTime.Add(time.Minute)
	second := domain.SessionDescriptor{SessionID: "sess-2", AgentName: "arika"}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got = s.Load(ctx)
	want := &domain.SessionDescriptor{
		SessionID:      "sess-2",
		AgentName:      "arika",
		CreatedAt:      clock.now,
		LastActivityAt: clock.now,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTreatsMalformedAsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMemory()
	s := New(backend, "slot", nil)

	for _, raw := range []string{`{not json`, `{"agentName":"arika"}`, `[]`} {
		if err := backend.Put(ctx, "slot", []byte(raw)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if got := s.Load(ctx); got != nil {
			t.Errorf("Load(%q) = %+v, want nil", raw, got)
		}
	}
}

type brokenBackend struct{ MemoryBackend }

func (*brokenBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage disabled")
}

func TestLoadTreatsUnavailableStorageAsAbsent(t *testing.T) {
	t.Parallel()

	s := New(&brokenBackend{}, "", nil)
	if got := s.Load(context.Background()); got != nil {
		t.Fatalf("Load() = %+v, want nil", got)
	}
}

func TestTouch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newTestStore(t)

	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch on empty slot failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("Touch created a descriptor: %+v", got)
	}

	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "sess-1", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	clock.now = baseTime.Add(2 * time.Hour)
	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	got := s.Load(ctx)
	if !got.LastActivityAt.Equal(clock.now) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, clock.now)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt changed to %v", got.CreatedAt)
	}
}

// interleavingBackend runs hook once, right after the store first reads the
// slot, to simulate another writer landing mid-operation.
type interleavingBackend struct {
	*MemoryBackend
	once sync.Once
	hook func()
}

func (b *interleavingBackend) fire() {
	b.once.Do(func() {
		if b.hook != nil {
			b.hook()
		}
	})
}

func (b *interleavingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.MemoryBackend.Get(ctx, key)
	b.fire()
	return v, err
}

func (b *interleavingBackend) Update(ctx context.Context, key string, fn UpdateFunc) error {
	b.fire()
	return b.MemoryBackend.Update(ctx, key, fn)
}

func TestTouchDoesNotResurrectClearedDescriptor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &interleavingBackend{MemoryBackend: NewMemory()}
	s := New(backend, "", nil)
	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "old", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	backend.hook = func() {
		if err := backend.MemoryBackend.Delete(ctx, DefaultKey); err != nil {
			t.Errorf("Delete failed: %v", err)
		}
	}
	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("cleared descriptor came back after Touch: %+v", got)
	}
}

func TestTouchRacingClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "old", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var wg sync.WaitGroup
	cleared := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Touch(ctx)
			}
		}()
	}
	go func() {
		_ = s.Clear(ctx)
		close(cleared)
	}()
	<-cleared
	wg.Wait()

	if got := s.Load(ctx); got != nil {
		t.Fatalf("descriptor survived Clear: %+v", got)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on empty slot failed: %v", err)
	}
	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "sess-1", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("Load() after Clear = %+v", got)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newTestStore(t)

	if sweepExpired(ctx, s) {
		t.Fatal("sweep of empty slot reported removal")
	}
	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "sess-1", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if sweepExpired(ctx, s) {
		t.Fatal("sweep removed a valid session")
	}

	clock.now = baseTime.Add(MaxIdle + time.Second)
	if !sweepExpired(ctx, s) {
		t.Fatal("sweep kept an idle session")
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("expired descriptor still stored: %+v", got)
	}
}

func TestSweepKeepsConcurrentlySavedDescriptor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: baseTime}
	backend := &interleavingBackend{MemoryBackend: NewMemory()}
	s := New(backend, "", nil).WithClock(clock.Now)
	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "stale", AgentName: "arika"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	clock.now = baseTime.Add(MaxIdle + time.Second)

	backend.hook = func() {
		if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "fresh", AgentName: "arika"}); err != nil {
			t.Errorf("Save failed: %v", err)
		}
	}
	if sweepExpired(ctx, s) {
		t.Fatal("sweep removed a descriptor saved during the sweep")
	}
	if got := s.Load(ctx); got == nil || got.SessionID != "fresh" {
		t.Fatalf("Load() = %+v, want fresh", got)
	}
}

func TestSQLiteBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	s := New(backend, "", nil)
	defer func() { _ = s.Close() }()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("fresh database returned %+v", got)
	}

	d := domain.SessionDescriptor{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		AgentName: "arika",
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()),
	}
	if err := s.Save(ctx, d); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got := s.Load(ctx)
	if got == nil || got.SessionID != "sess-1" || got.AgentID != "agent-1" || !got.CreatedAt.Equal(d.CreatedAt) {
		t.Fatalf("Load() = %+v", got)
	}

	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "sess-2", AgentName: "arika"}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if got := s.Load(ctx); got == nil || got.SessionID != "sess-2" {
		t.Fatalf("slot was not overwritten: %+v", got)
	}

	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got := s.Load(ctx); got == nil || got.SessionID != "sess-2" {
		t.Fatalf("Touch lost the descriptor: %+v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("Load() after Clear = %+v", got)
	}
	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch on empty slot failed: %v", err)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("Touch recreated the slot: %+v", got)
	}

	if err := s.Save(ctx, domain.SessionDescriptor{SessionID: "sess-3", AgentName: "arika", CreatedAt: time.Now().Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	removed, err := s.ClearExpired(ctx)
	if err != nil {
		t.Fatalf("ClearExpired failed: %v", err)
	}
	if removed == nil || removed.SessionID != "sess-3" {
		t.Fatalf("ClearExpired removed %+v", removed)
	}
	if got := s.Load(ctx); got != nil {
		t.Fatalf("expired descriptor still stored: %+v", got)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	if isSQLiteConflictError(nil) {
		t.Error("nil reported as conflict")
	}
	if !isSQLiteConflictError(errors.New("SQLITE_BUSY: database busy")) {
		t.Error("SQLITE_BUSY not detected")
	}
	if !isSQLiteConflictError(errors.New("database is locked")) {
		t.Error("locked not detected")
	}
	if isSQLiteConflictError(errors.New("no such table")) {
		t.Error("unrelated error reported as conflict")
	}
}
