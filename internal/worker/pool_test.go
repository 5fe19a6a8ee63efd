package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/delivery"
	"github.com/flaretrack/flaretrack/internal/evaluate"
	"github.com/flaretrack/flaretrack/internal/fingerprint"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/notifier"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// recordingChannel captures every notification it is asked to send.
type recordingChannel struct {
	mu   sync.Mutex
	sent []*notifier.Notification
}

func (c *recordingChannel) Name() string     { return "slack" }
func (c *recordingChannel) Endpoint() string { return "fake://slack" }
func (c *recordingChannel) Close() error     { return nil }

func (c *recordingChannel) Send(ctx context.Context, n *notifier.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) notifications() []*notifier.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*notifier.Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

type testHarness struct {
	store    storage.Storage
	tasks    *queue.SQLiteQueue
	channel  *recordingChannel
	pool     *Pool
	pipeline *delivery.Pipeline
	ruleSet  *rules.RuleSet
}

func newHarness(t *testing.T, ruleList []*rules.Rule) *testHarness {
	t.Helper()

	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "worker.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, r := range ruleList {
		if err := r.Validate(); err != nil {
			t.Fatalf("rule %q: %v", r.Name, err)
		}
	}
	ruleSet := rules.NewRuleSet(ruleList)

	tasks := queue.NewSQLiteQueue(store.DB(), time.Minute)
	channel := &recordingChannel{}
	reg := notifier.NewRegistry()
	reg.Register(channel)

	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.BaseDelay = 5 * time.Millisecond
	deliveryCfg.RateLimit = notifier.RateLimitConfig{Enabled: false}
	pipeline := delivery.NewPipeline(reg, store.Dispatches(), store.DeadLetters(), deliveryCfg, zerolog.Nop())
	pipeline.Start()
	t.Cleanup(pipeline.Close)

	evaluator := evaluate.NewEvaluator(store.Dispatches(), ruleSet, zerolog.Nop())

	poolCfg := DefaultConfig()
	poolCfg.Workers = 2
	poolCfg.PollInterval = 10 * time.Millisecond
	poolCfg.RetryDelay = 10 * time.Millisecond
	pool := NewPool(store, tasks, fingerprint.NewEngine(fingerprint.DefaultConfig()), evaluator, pipeline, ruleSet, nil, poolCfg, zerolog.Nop())

	return &testHarness{
		store:    store,
		tasks:    tasks,
		channel:  channel,
		pool:     pool,
		pipeline: pipeline,
		ruleSet:  ruleSet,
	}
}

func (h *testHarness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *testHarness) ingest(t *testing.T, occ *models.ErrorOccurrence) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Occurrences().Create(ctx, occ); err != nil {
		t.Fatalf("create occurrence: %v", err)
	}
	if err := h.tasks.Enqueue(ctx, occ.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func sampleOccurrence() *models.ErrorOccurrence {
	return &models.ErrorOccurrence{
		ID:          uuid.New().String(),
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "production",
		ErrorType:   "IOError",
		Message:     "connection refused to 10.0.0.5:5432",
		Frames: []models.StackFrame{
			{File: "/srv/checkout/src/cart/totals.go", Function: "computeTotals", Line: 42},
		},
		Timestamp: time.Now().UTC(),
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func newGroupRule() *rules.Rule {
	return &rules.Rule{
		Name:    "new-errors",
		Trigger: rules.TriggerNewGroup,
		Notify:  []string{"slack"},
	}
}

func TestPoolProcessesOccurrenceEndToEnd(t *testing.T) {
	h := newHarness(t, []*rules.Rule{newGroupRule()})
	h.run(t)
	ctx := context.Background()

	occ := sampleOccurrence()
	h.ingest(t, occ)

	waitFor(t, 3*time.Second, func() bool {
		got, err := h.store.Occurrences().GetByID(ctx, occ.ID)
		return err == nil && got.Status == models.StatusProcessed
	})

	groups, err := h.store.Groups().List(ctx, "acme", "checkout", "production", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].OccurrenceCount != 1 {
		t.Errorf("occurrence_count = %d, want 1", groups[0].OccurrenceCount)
	}
	if groups[0].ErrorType != "IOError" {
		t.Errorf("error_type = %s", groups[0].ErrorType)
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(h.channel.notifications()) == 1
	})
	n := h.channel.notifications()[0]
	if n.RuleName != "new-errors" || n.Reason != "new_group" {
		t.Errorf("notification = %+v", n)
	}
	if n.GroupID != groups[0].ID {
		t.Errorf("notification group = %s, want %s", n.GroupID, groups[0].ID)
	}
}

func TestPoolGroupsEquivalentOccurrences(t *testing.T) {
	h := newHarness(t, []*rules.Rule{newGroupRule()})
	h.run(t)
	ctx := context.Background()

	// Same error shape with different dynamic values.
	a := sampleOccurrence()
	b := sampleOccurrence()
	b.Message = "connection refused to 10.9.8.7:5432"
	h.ingest(t, a)
	h.ingest(t, b)

	waitFor(t, 3*time.Second, func() bool {
		for _, id := range []string{a.ID, b.ID} {
			got, err := h.store.Occurrences().GetByID(ctx, id)
			if err != nil || got.Status != models.StatusProcessed {
				return false
			}
		}
		return true
	})

	groups, err := h.store.Groups().List(ctx, "acme", "checkout", "production", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want equivalent occurrences to share one", len(groups))
	}
	if groups[0].OccurrenceCount != 2 {
		t.Errorf("occurrence_count = %d, want 2", groups[0].OccurrenceCount)
	}

	// Only the first occurrence notified; the second was the same group
	// inside the window.
	time.Sleep(50 * time.Millisecond)
	if got := len(h.channel.notifications()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestPoolRedeliveryDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	ctx := context.Background()

	occ := sampleOccurrence()
	h.ingest(t, occ)

	waitFor(t, 3*time.Second, func() bool {
		got, err := h.store.Occurrences().GetByID(ctx, occ.ID)
		return err == nil && got.Status == models.StatusProcessed
	})

	// A duplicate task for the processed occurrence is acked as a no-op.
	if err := h.tasks.Enqueue(ctx, occ.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		depth, err := h.tasks.Depth(ctx)
		return err == nil && depth == 0
	})

	groups, err := h.store.Groups().List(ctx, "acme", "checkout", "production", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if groups[0].OccurrenceCount != 1 {
		t.Errorf("occurrence_count = %d, want redelivery to not double count", groups[0].OccurrenceCount)
	}

	stats := h.pool.Stats()
	if stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", stats.Skipped)
	}
}

func TestPoolDropsTaskForMissingOccurrence(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	ctx := context.Background()

	// A task referencing no stored occurrence is acked as a no-op, not
	// retried forever.
	if err := h.tasks.Enqueue(ctx, "no-such-occurrence"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		depth, err := h.tasks.Depth(ctx)
		return err == nil && depth == 0
	})
	if failed := h.pool.Stats().Failed; failed != 0 {
		t.Errorf("failed = %d, want missing occurrence to be dropped silently", failed)
	}
}

func TestSweeperRequeuesStaleOccurrences(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// An occurrence stored long ago with no task: its enqueue was lost.
	lost := sampleOccurrence()
	lost.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := h.store.Occurrences().Create(ctx, lost); err != nil {
		t.Fatal(err)
	}

	// A fresh occurrence with a live task must not be touched.
	fresh := sampleOccurrence()
	h.ingest(t, fresh)

	sweeper := NewSweeper(h.store.Occurrences(), h.tasks, SweeperConfig{
		Schedule:   "@every 1h",
		StaleAfter: 10 * time.Minute,
		BatchSize:  50,
	}, zerolog.Nop())

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	pending, err := h.tasks.HasPending(ctx, lost.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Error("lost occurrence was not re-enqueued")
	}

	depth, _ := h.tasks.Depth(ctx)
	if depth != 2 {
		t.Errorf("depth = %d, want 2 (no duplicate for the fresh task)", depth)
	}

	// A second sweep is idempotent while the task sits in the queue.
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	depth, _ = h.tasks.Depth(ctx)
	if depth != 2 {
		t.Errorf("depth after second sweep = %d, want 2", depth)
	}
}
