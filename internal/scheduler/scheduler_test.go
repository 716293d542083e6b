package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/repo"
)

var testNow = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func TestNextDue(t *testing.T) {
	tests := []struct {
		name     string
		p        domain.PeriodicTask
		expected time.Time
		wantErr  bool
	}{
		{
			name:     "cron in UTC",
			p:        domain.PeriodicTask{CronExpr: "0 9 * * *"},
			expected: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "cron in timezone",
			p:        domain.PeriodicTask{CronExpr: "0 9 * * *", Timezone: "Europe/Moscow"},
			expected: time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "cron same day in timezone",
			p:        domain.PeriodicTask{CronExpr: "0 18 * * *", Timezone: "Europe/Moscow"},
			expected: time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC),
		},
		{
			name:     "descriptor",
			p:        domain.PeriodicTask{CronExpr: "@hourly"},
			expected: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "invalid timezone falls back to UTC",
			p:        domain.PeriodicTask{CronExpr: "0 9 * * *", Timezone: "Mars/Olympus"},
			expected: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "interval",
			p:        domain.PeriodicTask{IntervalSec: 90},
			expected: testNow.Add(90 * time.Second),
		},
		{
			name:     "cron wins over interval",
			p:        domain.PeriodicTask{CronExpr: "*/15 * * * *", IntervalSec: 5},
			expected: time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC),
		},
		{
			name:    "invalid cron",
			p:       domain.PeriodicTask{CronExpr: "every day"},
			wantErr: true,
		},
		{
			name:    "no schedule",
			p:       domain.PeriodicTask{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDue(&tt.p, testNow)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
			if !tt.wantErr && got.Location() != time.UTC {
				t.Errorf("result must be in UTC, got %v", got.Location())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       domain.PeriodicTask
		wantErr bool
	}{
		{"cron", domain.PeriodicTask{Name: "n", TaskType: "noop", CronExpr: "0 * * * *"}, false},
		{"interval", domain.PeriodicTask{Name: "n", TaskType: "noop", IntervalSec: 10}, false},
		{"timezone", domain.PeriodicTask{Name: "n", TaskType: "noop", IntervalSec: 10, Timezone: "Asia/Tokyo"}, false},
		{"missing name", domain.PeriodicTask{TaskType: "noop", IntervalSec: 10}, true},
		{"missing type", domain.PeriodicTask{Name: "n", IntervalSec: 10}, true},
		{"no schedule", domain.PeriodicTask{Name: "n", TaskType: "noop"}, true},
		{"negative interval", domain.PeriodicTask{Name: "n", TaskType: "noop", IntervalSec: -1}, true},
		{"bad cron", domain.PeriodicTask{Name: "n", TaskType: "noop", CronExpr: "61 * * * *"}, true},
		{"bad timezone", domain.PeriodicTask{Name: "n", TaskType: "noop", IntervalSec: 10, Timezone: "Nowhere/City"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(&tt.p); (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

// --- Tick ---

type fakeTx struct {
	calls int
}

func (f *fakeTx) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	f.calls++
	return fn(nil)
}

type fakePeriodics struct {
	due      []domain.PeriodicTask
	listErr  error
	markErr  error
	marked   []domain.PeriodicTask
	disabled []uuid.UUID
}

func (f *fakePeriodics) ListDueForUpdate(_ context.Context, _ time.Time, limit int) ([]domain.PeriodicTask, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakePeriodics) MarkEnqueued(_ context.Context, p *domain.PeriodicTask) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, *p)
	return nil
}

func (f *fakePeriodics) SetEnabled(_ context.Context, id uuid.UUID, enabled bool, _ *time.Time) error {
	if !enabled {
		f.disabled = append(f.disabled, id)
	}
	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*domain.Task
	fail  map[string]bool // по типу task
}

func (f *fakeEnqueuer) EnqueueTask(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[task.Type] {
		return errors.New("broker unavailable")
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func newTestScheduler(store *fakePeriodics, enq *fakeEnqueuer) (*Scheduler, *fakeTx) {
	tx := &fakeTx{}
	s := New(Config{
		Store:     tx,
		Enqueuer:  enq,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		BatchSize: 10,
	})
	s.periodics = func(repo.DBTX) PeriodicStore { return store }
	s.now = func() time.Time { return testNow }
	return s, tx
}

func duePeriodic(taskType string, intervalSec int) domain.PeriodicTask {
	due := testNow.Add(-30 * time.Second)
	return domain.PeriodicTask{
		ID:          uuid.New(),
		Name:        taskType + "-schedule",
		TaskType:    taskType,
		Args:        []any{"a"},
		Kwargs:      map[string]any{"token": "ciphertext"},
		Encrypted:   []string{"token"},
		IntervalSec: intervalSec,
		Enabled:     true,
		NextDueAt:   &due,
	}
}

func TestTick_EnqueuesDueTasks(t *testing.T) {
	p := duePeriodic("report", 60)
	store := &fakePeriodics{due: []domain.PeriodicTask{p}}
	enq := &fakeEnqueuer{}
	s, tx := newTestScheduler(store, enq)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 || tx.calls != 1 {
		t.Fatalf("expected 1 enqueued in 1 tx, got %d in %d", n, tx.calls)
	}

	task := enq.tasks[0]
	if task.ID != p.TaskIDFor(*p.NextDueAt) {
		t.Errorf("task id must be deterministic, got %s", task.ID)
	}
	if task.Type != "report" || !task.IsEncrypted("token") || task.Kwargs["token"] != "ciphertext" {
		t.Errorf("unexpected task %+v", task)
	}

	marked := store.marked[0]
	if marked.LastTaskID != task.ID {
		t.Errorf("expected last task id %s, got %s", task.ID, marked.LastTaskID)
	}
	if !marked.NextDueAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("next due must be computed from now, got %v", marked.NextDueAt)
	}
}

func TestTick_SameDueGivesSameTaskID(t *testing.T) {
	p := duePeriodic("report", 60)
	enq := &fakeEnqueuer{}

	for range 2 {
		s, _ := newTestScheduler(&fakePeriodics{due: []domain.PeriodicTask{p}}, enq)
		if _, err := s.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if enq.tasks[0].ID != enq.tasks[1].ID {
		t.Error("repeated tick for the same due time must reuse the task id")
	}
}

func TestTick_EnqueueFailureSkipsOnlyThatSchedule(t *testing.T) {
	broken := duePeriodic("broken", 60)
	ok := duePeriodic("report", 60)
	store := &fakePeriodics{due: []domain.PeriodicTask{broken, ok}}
	enq := &fakeEnqueuer{fail: map[string]bool{"broken": true}}
	s, _ := newTestScheduler(store, enq)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 enqueued, got %d", n)
	}
	if len(store.marked) != 1 || store.marked[0].ID != ok.ID {
		t.Errorf("failed schedule must keep its next_due_at, marked: %v", store.marked)
	}
}

func TestTick_InvalidScheduleDisabled(t *testing.T) {
	p := duePeriodic("report", 0)
	p.CronExpr = "not a cron"
	store := &fakePeriodics{due: []domain.PeriodicTask{p}}
	enq := &fakeEnqueuer{}
	s, _ := newTestScheduler(store, enq)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 0 || len(enq.tasks) != 0 {
		t.Error("invalid schedule must not enqueue")
	}
	if len(store.disabled) != 1 || store.disabled[0] != p.ID {
		t.Errorf("invalid schedule must be disabled, got %v", store.disabled)
	}
}

func TestTick_DatabaseErrors(t *testing.T) {
	dbErr := &repo.ConnectionError{Op: "list_due", Err: errors.New("connection reset")}

	tests := []struct {
		name  string
		store *fakePeriodics
	}{
		{"list", &fakePeriodics{listErr: dbErr}},
		{"mark", &fakePeriodics{due: []domain.PeriodicTask{duePeriodic("report", 60)}, markErr: dbErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(tt.store, &fakeEnqueuer{})
			n, err := s.Tick(context.Background())
			if !errors.Is(err, dbErr) {
				t.Errorf("expected db error, got %v", err)
			}
			if n != 0 {
				t.Errorf("expected 0 on rollback, got %d", n)
			}
		})
	}
}

func TestTick_RespectsBatchSize(t *testing.T) {
	store := &fakePeriodics{}
	for range 15 {
		store.due = append(store.due, duePeriodic("report", 60))
	}
	s, _ := newTestScheduler(store, &fakeEnqueuer{})

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("expected batch of 10, got %d", n)
	}
}

// --- Runner ---

type fakeLock struct {
	mu        sync.Mutex
	alive     bool
	unlocked  bool
	abandoned bool
}

func (l *fakeLock) Alive(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *fakeLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	return nil
}

func (l *fakeLock) Abandon(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abandoned = true
}

type fakeLocker struct {
	locks []*fakeLock // nil — lock занят
	calls int
}

func (f *fakeLocker) TryLock(context.Context) (Lock, error) {
	if f.calls >= len(f.locks) {
		f.calls++
		return nil, nil
	}
	lock := f.locks[f.calls]
	f.calls++
	if lock == nil {
		return nil, nil
	}
	return lock, nil
}

type countingTicker struct {
	ticks int
}

func (c *countingTicker) Tick(context.Context) (int, error) {
	c.ticks++
	return 0, nil
}

func testRunner(locker Locker, ticker Ticker) *Runner {
	return NewRunner(locker, ticker, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunner_TicksOnlyAsLeader(t *testing.T) {
	lock := &fakeLock{alive: true}
	locker := &fakeLocker{locks: []*fakeLock{nil, lock}}
	ticker := &countingTicker{}
	r := testRunner(locker, ticker)
	ctx := context.Background()

	r.step(ctx)
	if r.IsLeader() || ticker.ticks != 0 {
		t.Fatal("must not tick while lock is held elsewhere")
	}

	r.step(ctx)
	r.step(ctx)
	if !r.IsLeader() || ticker.ticks != 2 {
		t.Fatalf("expected leader with 2 ticks, got leader=%v ticks=%d", r.IsLeader(), ticker.ticks)
	}
	if locker.calls != 2 {
		t.Errorf("leader must not re-acquire the lock, calls=%d", locker.calls)
	}
}

func TestRunner_LostLock(t *testing.T) {
	lock := &fakeLock{alive: true}
	locker := &fakeLocker{locks: []*fakeLock{lock}}
	ticker := &countingTicker{}
	r := testRunner(locker, ticker)
	ctx := context.Background()

	r.step(ctx)
	lock.alive = false
	r.step(ctx)

	if r.IsLeader() {
		t.Error("runner must drop leadership when lock connection dies")
	}
	if ticker.ticks != 1 {
		t.Errorf("expected 1 tick, got %d", ticker.ticks)
	}
	if !lock.abandoned {
		t.Error("lost lock must release its connection")
	}
	if lock.unlocked {
		t.Error("lost lock must not be unlocked through a dead connection")
	}
}

func TestRunner_ReacquiresAfterEachLoss(t *testing.T) {
	locks := []*fakeLock{{alive: true}, {alive: true}, {alive: true}}
	locker := &fakeLocker{locks: locks}
	ticker := &countingTicker{}
	r := testRunner(locker, ticker)
	ctx := context.Background()

	for _, lock := range locks {
		r.step(ctx)
		lock.alive = false
	}
	r.step(ctx)

	for i, lock := range locks {
		if !lock.abandoned {
			t.Errorf("lock %d was not released after loss", i)
		}
	}
	if ticker.ticks != len(locks) {
		t.Errorf("expected %d ticks, got %d", len(locks), ticker.ticks)
	}
}

func TestRunner_CancelledContextKeepsLock(t *testing.T) {
	lock := &fakeLock{alive: true}
	r := testRunner(&fakeLocker{locks: []*fakeLock{lock}}, &countingTicker{})

	r.step(context.Background())
	lock.alive = false
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.step(ctx)

	if !r.IsLeader() || lock.abandoned {
		t.Error("cancelled context must not be treated as a lost lock")
	}
}

func TestRunner_ReleasesLockOnExit(t *testing.T) {
	lock := &fakeLock{alive: true}
	r := testRunner(&fakeLocker{locks: []*fakeLock{lock}}, &countingTicker{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	if !lock.unlocked {
		t.Error("lock must be released on exit")
	}
}

// --- Интеграционный тест (нужен PostgreSQL) ---

func TestScheduler_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := repo.NewPool(ctx, repo.PoolConfig{URL: repo.DefaultURL, MaxConns: 2, PingTimeout: time.Second})
	if err != nil {
		t.Skip("PostgreSQL not available, skipping:", err)
	}
	t.Cleanup(pool.Close)
	store := repo.NewStore(pool, time.Second)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	periodics := repo.NewPeriodicTaskRepo(pool)
	p := duePeriodic("noop", 60)
	p.Name = "integration-" + uuid.NewString()
	p.Timezone = "UTC"
	p.CreatedAt, p.UpdatedAt = testNow, testNow
	if err := periodics.Create(ctx, &p); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = periodics.Delete(context.Background(), p.ID) })

	enq := &fakeEnqueuer{}
	s := New(Config{Store: store, Enqueuer: enq, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var found bool
	for _, task := range enq.tasks {
		if task.ID == p.TaskIDFor(*p.NextDueAt) {
			found = true
		}
	}
	if !found {
		t.Fatal("due periodic task not enqueued")
	}

	got, err := periodics.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextDueAt == nil || !got.NextDueAt.After(time.Now().Add(50*time.Second)) {
		t.Errorf("next due not advanced: %v", got.NextDueAt)
	}
}
