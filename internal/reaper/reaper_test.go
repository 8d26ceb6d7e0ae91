package reaper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shaiso/Conveyor/internal/clock"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/workload"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu      sync.Mutex
	expired []string
	err     error
}

func (n *fakeNotifier) PublishWorkloadExpired(_ context.Context, w *domain.Workload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.expired = append(n.expired, w.ID)
	return nil
}

type fakeLeader struct{ leader bool }

func (l *fakeLeader) IsLeader(context.Context) (bool, error) { return l.leader, nil }

func (l *fakeLeader) Release(context.Context) {}

func newTestService(t *testing.T) (*workload.Service, *clock.Manual) {
	t.Helper()
	ctx := context.Background()

	db, err := repo.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := repo.MigrateSQLite(ctx, db, nil); err != nil {
		t.Fatalf("MigrateSQLite() error = %v", err)
	}

	clk := clock.NewManual(testStart)
	svc := workload.New(workload.Config{
		Workloads:     repo.NewSQLiteWorkloadRepo(db, repo.WithClock(clk)),
		Queue:         repo.NewSQLiteQueueRepo(db, repo.WithClock(clk)),
		Clock:         clk,
		LeaseDuration: time.Minute,
	})
	return svc, clk
}

// seedExpired создаёт claimed workload с deadline через минуту и pending без deadline.
func seedExpired(t *testing.T, svc *workload.Service) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"stuck", "waiting"} {
		if _, err := svc.Create(ctx, workload.CreateRequest{ID: id, Type: domain.WorkloadTypeSync, DataplaneGroup: "us"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, err := svc.Claim(ctx, "stuck", "dp-1", testStart.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
}

func TestNew_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"notify without notifier", Config{Service: svc}},
		{"unknown action", Config{Service: svc, Action: "delete"}},
		{"bad schedule", Config{Service: svc, Action: ActionFail, GCSchedule: "every minute"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Errorf("ValidateSchedule(*/5) error = %v", err)
	}
}

func TestCheckExpired_Notify(t *testing.T) {
	svc, clk := newTestService(t)
	seedExpired(t, svc)
	ctx := context.Background()

	notifier := &fakeNotifier{}
	r, err := New(Config{Service: svc, Notifier: notifier})
	if err != nil {
		t.Fatal(err)
	}

	if n, err := r.CheckExpired(ctx); err != nil || n != 0 {
		t.Fatalf("CheckExpired() before deadline = %d, %v; want 0", n, err)
	}

	before := testutil.ToFloat64(telemetry.ExpiredWorkloads.WithLabelValues(ActionNotify))
	clk.Advance(2 * time.Minute)

	n, err := r.CheckExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(notifier.expired) != 1 || notifier.expired[0] != "stuck" {
		t.Errorf("CheckExpired() = %d, notified %v; want [stuck]", n, notifier.expired)
	}
	if got := testutil.ToFloat64(telemetry.ExpiredWorkloads.WithLabelValues(ActionNotify)) - before; got != 1 {
		t.Errorf("expired metric delta = %v, want 1", got)
	}

	// notify не меняет статус.
	w, err := svc.Get(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.StatusClaimed {
		t.Errorf("Status = %q, want claimed", w.Status)
	}

	notifier.err = errors.New("broker down")
	if _, err := r.CheckExpired(ctx); err == nil {
		t.Error("CheckExpired() with failing notifier error = nil")
	}
}

func TestCheckExpired_Fail(t *testing.T) {
	svc, clk := newTestService(t)
	seedExpired(t, svc)
	ctx := context.Background()

	r, err := New(Config{Service: svc, Action: ActionFail})
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Minute)
	n, err := r.CheckExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CheckExpired() = %d, want 1", n)
	}

	w, err := svc.Get(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.StatusFailure || w.TerminationSource != workload.SourceWorkloadMonitor {
		t.Errorf("got %s/%s, want failure/%s", w.Status, w.TerminationSource, workload.SourceWorkloadMonitor)
	}
	if !strings.Contains(w.TerminationReason, "claimed") {
		t.Errorf("TerminationReason = %q, want to mention claimed", w.TerminationReason)
	}

	// Элемент "stuck" подтверждён; в очереди остался только "waiting".
	count, err := svc.CountEnqueued(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("CountEnqueued() = %d, want 1", count)
	}

	if n, err := r.CheckExpired(ctx); err != nil || n != 0 {
		t.Errorf("second CheckExpired() = %d, %v; want 0", n, err)
	}
}

func TestCollectGarbage_Batches(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Create(ctx, workload.CreateRequest{ID: id, Type: domain.WorkloadTypeSync, DataplaneGroup: "us"}); err != nil {
			t.Fatal(err)
		}
		if err := svc.Ack(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(repo.DefaultAckRetention + time.Second)

	r, err := New(Config{Service: svc, Action: ActionFail, GCDeletionLimit: 1, GCMaxBatches: 2})
	if err != nil {
		t.Fatal(err)
	}

	steps := []int{2, 1, 0}
	for i, want := range steps {
		got, err := r.CollectGarbage(ctx)
		if err != nil {
			t.Fatalf("CollectGarbage() #%d error = %v", i, err)
		}
		if got != want {
			t.Errorf("CollectGarbage() #%d = %d, want %d", i, got, want)
		}
	}
}

func TestRefreshQueueDepth(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := svc.Create(ctx, workload.CreateRequest{ID: id, Type: domain.WorkloadTypeSync, DataplaneGroup: "eu"}); err != nil {
			t.Fatal(err)
		}
	}

	r, err := New(Config{Service: svc, Action: ActionFail})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RefreshQueueDepth(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(telemetry.QueueDepth.WithLabelValues("eu", "0")); got != 2 {
		t.Errorf("queue depth eu/0 = %v, want 2", got)
	}
}

func TestLeaderOnly_SkipsFollower(t *testing.T) {
	svc, _ := newTestService(t)
	leader := &fakeLeader{}

	r, err := New(Config{Service: svc, Action: ActionFail, Leader: leader})
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	job := r.leaderOnly(context.Background(), "test", func(context.Context) error {
		calls++
		return nil
	})

	job()
	if calls != 0 {
		t.Errorf("follower ran job %d times, want 0", calls)
	}

	leader.leader = true
	job()
	if calls != 1 {
		t.Errorf("leader ran job %d times, want 1", calls)
	}
}

func TestStartStop(t *testing.T) {
	svc, _ := newTestService(t)

	r, err := New(Config{Service: svc, Action: ActionFail})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.Stop()
	r.Stop()
}
