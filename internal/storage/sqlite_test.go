package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flaretrack/flaretrack/internal/models"
)

func testStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	store := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testOccurrence() *models.ErrorOccurrence {
	return &models.ErrorOccurrence{
		ID:          uuid.New().String(),
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "production",
		ErrorType:   "IOError",
		Message:     "connection refused",
		Frames: []models.StackFrame{
			{File: "/src/cart/totals.go", Function: "computeTotals", Line: 42},
		},
		Context:   map[string]any{"request_id": "r-1"},
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestOccurrenceLifecycle(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	occ := testOccurrence()
	if err := store.Occurrences().Create(ctx, occ); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Occurrences().GetByID(ctx, occ.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ErrorType != "IOError" || got.Message != "connection refused" {
		t.Errorf("unexpected content: %+v", got)
	}
	if len(got.Frames) != 1 || got.Frames[0].Function != "computeTotals" {
		t.Errorf("frames not round-tripped: %+v", got.Frames)
	}

	// First transition succeeds, redelivery is a no-op.
	ok, err := store.Occurrences().MarkProcessed(ctx, occ.ID)
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !ok {
		t.Error("first MarkProcessed should report the transition")
	}
	ok, err = store.Occurrences().MarkProcessed(ctx, occ.ID)
	if err != nil {
		t.Fatalf("mark processed again: %v", err)
	}
	if ok {
		t.Error("second MarkProcessed must be a no-op")
	}
}

func TestOccurrenceNotFound(t *testing.T) {
	store := testStorage(t)

	_, err := store.Occurrences().GetByID(context.Background(), "nope")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListStalePending(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	old := testOccurrence()
	old.CreatedAt = time.Now().Add(-time.Hour)
	fresh := testOccurrence()

	if err := store.Occurrences().Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Occurrences().Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	ids, err := store.Occurrences().ListStalePending(ctx, time.Now().Add(-10*time.Minute), 100)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Errorf("stale ids = %v, want [%s]", ids, old.ID)
	}
}

func TestGroupUpsertConcurrency(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	key := GroupKey{
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "production",
		Fingerprint: "abc123",
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	newCount := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Groups().UpsertAndIncrement(ctx, key, time.Now().UTC(), "IOError", "boom")
			if err != nil {
				errs <- err
				return
			}
			newCount <- res.WasNew
		}()
	}
	wg.Wait()
	close(errs)
	close(newCount)

	for err := range errs {
		t.Fatalf("concurrent upsert: %v", err)
	}

	wasNew := 0
	for b := range newCount {
		if b {
			wasNew++
		}
	}
	if wasNew != 1 {
		t.Errorf("WasNew reported %d times, want exactly 1", wasNew)
	}

	groups, err := store.Groups().List(ctx, key.TenantID, key.ProjectID, key.Environment, 10, 0)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want exactly 1", len(groups))
	}
	if groups[0].OccurrenceCount != n {
		t.Errorf("occurrence_count = %d, want %d", groups[0].OccurrenceCount, n)
	}
}

func TestGroupLastSeenMonotonic(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	key := GroupKey{TenantID: "t", ProjectID: "p", Environment: "e", Fingerprint: "f"}
	later := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if _, err := store.Groups().UpsertAndIncrement(ctx, key, later, "E", "m"); err != nil {
		t.Fatal(err)
	}
	res, err := store.Groups().UpsertAndIncrement(ctx, key, earlier, "E", "m")
	if err != nil {
		t.Fatal(err)
	}

	if !res.Group.LastSeenAt.Equal(later) {
		t.Errorf("last_seen_at = %v, want %v (must not move backwards)", res.Group.LastSeenAt, later)
	}
	if !res.Group.FirstSeenAt.Equal(later) {
		t.Errorf("first_seen_at = %v, want immutable %v", res.Group.FirstSeenAt, later)
	}
}

func TestGroupReactivation(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	key := GroupKey{TenantID: "t", ProjectID: "p", Environment: "e", Fingerprint: "f"}
	res, err := store.Groups().UpsertAndIncrement(ctx, key, time.Now().UTC(), "E", "m")
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasNew || res.WasReactivated {
		t.Errorf("first upsert: WasNew=%v WasReactivated=%v", res.WasNew, res.WasReactivated)
	}

	if err := store.Groups().UpdateStatus(ctx, res.Group.ID, models.GroupResolved); err != nil {
		t.Fatal(err)
	}

	res2, err := store.Groups().UpsertAndIncrement(ctx, key, time.Now().UTC(), "E", "m")
	if err != nil {
		t.Fatal(err)
	}
	if res2.WasNew {
		t.Error("reactivation must not report WasNew")
	}
	if !res2.WasReactivated {
		t.Error("resolved group receiving an occurrence must report WasReactivated")
	}
	if res2.Group.Status != models.GroupActive {
		t.Errorf("status = %s, want active", res2.Group.Status)
	}
	if res2.Group.ID != res.Group.ID {
		t.Error("reactivation must not create a new group")
	}

	// Muted groups keep counting but stay muted.
	if err := store.Groups().UpdateStatus(ctx, res.Group.ID, models.GroupMuted); err != nil {
		t.Fatal(err)
	}
	res3, err := store.Groups().UpsertAndIncrement(ctx, key, time.Now().UTC(), "E", "m")
	if err != nil {
		t.Fatal(err)
	}
	if res3.Group.Status != models.GroupMuted {
		t.Errorf("muted group status = %s, want muted", res3.Group.Status)
	}
	if res3.WasReactivated {
		t.Error("muted groups do not reactivate")
	}
}

func TestGroupListFilters(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()

	keys := []GroupKey{
		{TenantID: "acme", ProjectID: "checkout", Environment: "production", Fingerprint: "f1"},
		{TenantID: "acme", ProjectID: "checkout", Environment: "staging", Fingerprint: "f2"},
		{TenantID: "acme", ProjectID: "billing", Environment: "production", Fingerprint: "f3"},
		{TenantID: "globex", ProjectID: "checkout", Environment: "production", Fingerprint: "f4"},
	}
	for _, key := range keys {
		if _, err := store.Groups().UpsertAndIncrement(ctx, key, time.Now().UTC(), "E", "m"); err != nil {
			t.Fatal(err)
		}
	}

	// Tenant only: every acme group, no globex.
	groups, err := store.Groups().List(ctx, "acme", "", "", 10, 0)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("tenant-only list returned %d groups, want 3", len(groups))
	}
	for _, g := range groups {
		if g.TenantID != "acme" {
			t.Errorf("tenant-only list leaked group for %s", g.TenantID)
		}
	}

	// Project narrows.
	groups, err = store.Groups().List(ctx, "acme", "checkout", "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("project filter returned %d groups, want 2", len(groups))
	}

	// Project and environment narrow to one.
	groups, err = store.Groups().List(ctx, "acme", "checkout", "production", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Fingerprint != "f1" {
		t.Errorf("full filter returned %+v, want the single f1 group", groups)
	}
}

func testDispatch(rule, group string) *models.NotificationDispatch {
	return &models.NotificationDispatch{
		ID:          uuid.New().String(),
		RuleName:    rule,
		GroupID:     group,
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "production",
		Reason:      "new_group",
		Channels:    []string{"slack"},
	}
}

func TestDispatchIdempotencyWindow(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := store.Dispatches().TryRecord(ctx, testDispatch("r1", "g1"), time.Hour, now, false)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !ok {
		t.Fatal("first dispatch must be recorded")
	}

	// Inside the window: suppressed.
	ok, err = store.Dispatches().TryRecord(ctx, testDispatch("r1", "g1"), time.Hour, now.Add(time.Minute), false)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if ok {
		t.Error("dispatch inside the window must be suppressed")
	}

	// Different rule or group: independent windows.
	ok, _ = store.Dispatches().TryRecord(ctx, testDispatch("r2", "g1"), time.Hour, now.Add(time.Minute), false)
	if !ok {
		t.Error("different rule must not be suppressed")
	}
	ok, _ = store.Dispatches().TryRecord(ctx, testDispatch("r1", "g2"), time.Hour, now.Add(time.Minute), false)
	if !ok {
		t.Error("different group must not be suppressed")
	}

	// After the window: allowed again.
	ok, _ = store.Dispatches().TryRecord(ctx, testDispatch("r1", "g1"), time.Hour, now.Add(2*time.Hour), false)
	if !ok {
		t.Error("dispatch after the window must be recorded")
	}

	// force bypasses an active window (reactivation path).
	ok, _ = store.Dispatches().TryRecord(ctx, testDispatch("r1", "g1"), time.Hour, now.Add(2*time.Hour+time.Minute), true)
	if !ok {
		t.Error("forced dispatch must bypass the window")
	}
}

func TestDispatchIdempotencyConcurrent(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 20
	var wg sync.WaitGroup
	recorded := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Dispatches().TryRecord(ctx, testDispatch("r1", "g1"), time.Hour, now, false)
			if err != nil {
				t.Errorf("try record: %v", err)
				return
			}
			recorded <- ok
		}()
	}
	wg.Wait()
	close(recorded)

	passed := 0
	for ok := range recorded {
		if ok {
			passed++
		}
	}
	if passed != 1 {
		t.Errorf("%d concurrent evaluations passed the window check, want exactly 1", passed)
	}
}

func TestAttemptHistory(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := testDispatch("r1", "g1")
	if ok, err := store.Dispatches().TryRecord(ctx, d, time.Hour, now, false); err != nil || !ok {
		t.Fatalf("record dispatch: ok=%v err=%v", ok, err)
	}

	for i := 1; i <= 3; i++ {
		a := &models.DeliveryAttempt{
			ID:          uuid.New().String(),
			DispatchID:  d.ID,
			Channel:     "slack",
			Endpoint:    "https://hooks.example.com/x",
			Attempt:     i,
			Outcome:     models.OutcomeTransientFailure,
			Error:       "status 503",
			AttemptedAt: now.Add(time.Duration(i) * time.Minute),
			NextRetryAt: now.Add(time.Duration(i+1) * time.Minute),
		}
		if err := store.Dispatches().AppendAttempt(ctx, a); err != nil {
			t.Fatalf("append attempt %d: %v", i, err)
		}
	}

	attempts, err := store.Dispatches().ListAttempts(ctx, d.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt %d out of order: %d", i, a.Attempt)
		}
	}

	if err := store.Dispatches().UpdateStatus(ctx, d.ID, models.DispatchDeadLettered); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.Dispatches().GetByID(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.DispatchDeadLettered {
		t.Errorf("status = %s, want dead_lettered", got.Status)
	}
}

func TestDeadLetters(t *testing.T) {
	store := testStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entry := &models.DeadLetterEntry{
		ID:         uuid.New().String(),
		DispatchID: "d1",
		Channel:    "slack",
		Endpoint:   "https://hooks.example.com/x",
		Reason:     "max attempts exceeded",
		Attempts: []models.DeliveryAttempt{
			{Attempt: 1, Outcome: models.OutcomeTransientFailure, Error: "status 503"},
		},
		CreatedAt: now,
	}
	if err := store.DeadLetters().Create(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.DeadLetters().GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReplayedAt != nil {
		t.Error("new entry must not be marked replayed")
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Error != "status 503" {
		t.Errorf("attempt history not round-tripped: %+v", got.Attempts)
	}

	entries, total, err := store.DeadLetters().List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Errorf("list = %d entries (total %d), want 1", len(entries), total)
	}

	if err := store.DeadLetters().MarkReplayed(ctx, entry.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	got, _ = store.DeadLetters().GetByID(ctx, entry.ID)
	if got.ReplayedAt == nil {
		t.Error("entry must be marked replayed")
	}
}
