package workload

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/clock"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeNotifier запоминает опубликованные события.
type fakeNotifier struct {
	mu       sync.Mutex
	enqueued []string
	terminal []domain.Workload
	err      error
}

func (n *fakeNotifier) PublishWorkloadEnqueued(_ context.Context, w *domain.Workload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueued = append(n.enqueued, w.ID)
	return n.err
}

func (n *fakeNotifier) PublishWorkloadTerminal(_ context.Context, w *domain.Workload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminal = append(n.terminal, *w)
	return n.err
}

func newTestService(t *testing.T) (*Service, *fakeNotifier, *clock.Manual) {
	t.Helper()
	svc, notifier, clk, _ := newTestServiceDB(t)
	return svc, notifier, clk
}

func newTestServiceDB(t *testing.T) (*Service, *fakeNotifier, *clock.Manual, *sql.DB) {
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
	notifier := &fakeNotifier{}
	svc := New(Config{
		Workloads:     repo.NewSQLiteWorkloadRepo(db, repo.WithClock(clk)),
		Queue:         repo.NewSQLiteQueueRepo(db, repo.WithClock(clk)),
		Notifier:      notifier,
		Clock:         clk,
		LeaseDuration: time.Minute,
	})
	return svc, notifier, clk, db
}

func syncRequest(id string) CreateRequest {
	return CreateRequest{
		ID:             id,
		Type:           domain.WorkloadTypeSync,
		DataplaneGroup: "us",
		Priority:       domain.PriorityDefault,
		Labels:         []domain.Label{{Key: "connection_id", Value: "c-1"}},
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"empty id", func(r *CreateRequest) { r.ID = "" }},
		{"long id", func(r *CreateRequest) { r.ID = strings.Repeat("x", MaxIDLength+1) }},
		{"unknown type", func(r *CreateRequest) { r.Type = "replicate" }},
		{"bad priority", func(r *CreateRequest) { r.Priority = 7 }},
		{"empty label key", func(r *CreateRequest) { r.Labels = []domain.Label{{Key: "", Value: "v"}} }},
		{"duplicate label", func(r *CreateRequest) {
			r.Labels = []domain.Label{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := syncRequest("w-valid")
			tt.mutate(&req)
			if _, err := svc.Create(ctx, req); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Create() error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	if _, _, err := svc.Heartbeat(ctx, "", testStart); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Heartbeat(\"\") error = %v, want ErrInvalidArgument", err)
	}
	if _, _, err := svc.Claim(ctx, "w-1", "", testStart); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Claim(no dataplane) error = %v, want ErrInvalidArgument", err)
	}
}

func TestService_CreateEnqueuesAndNotifies(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, syncRequest("w-1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending", w.Status)
	}

	n, err := svc.CountEnqueued(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountEnqueued() = %d, want 1", n)
	}
	if len(notifier.enqueued) != 1 || notifier.enqueued[0] != "w-1" {
		t.Errorf("enqueued hints = %v, want [w-1]", notifier.enqueued)
	}

	if _, err := svc.Create(ctx, syncRequest("w-1")); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	if _, err := svc.Get(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}
}

func TestService_CreateSurvivesNotifierError(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	notifier.err = errors.New("broker down")

	if _, err := svc.Create(context.Background(), syncRequest("w-1")); err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
}

func TestService_MutexKeySupersedes(t *testing.T) {
	svc, notifier, clk := newTestService(t)
	ctx := context.Background()

	old := syncRequest("old")
	old.MutexKey = "conn-1"
	if _, err := svc.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := svc.Claim(ctx, "old", "worker-a", testStart.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	done := syncRequest("done")
	done.MutexKey = "conn-1"
	if _, err := svc.Create(ctx, done); err != nil {
		t.Fatal(err)
	}
	// "old" уже вытеснен "done"; завершим "done", чтобы проверить,
	// что терминальные workloads не трогаются.
	if _, ok, err := svc.Succeed(ctx, "done"); err != nil || !ok {
		t.Fatalf("Succeed() = %v, %v", ok, err)
	}

	clk.Advance(time.Second)
	fresh := syncRequest("fresh")
	fresh.MutexKey = "conn-1"
	if _, err := svc.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailure {
		t.Errorf("old status = %q, want failure", got.Status)
	}
	if got.TerminationReason != "superseded by done" || got.TerminationSource != SourceWorkloadService {
		t.Errorf("old termination = %q/%q", got.TerminationReason, got.TerminationSource)
	}

	got, err = svc.Get(ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSuccess {
		t.Errorf("done status = %q, want success", got.Status)
	}

	active, err := svc.SearchByMutexKeyAndStatusInList(ctx, "conn-1", domain.ActiveStatuses)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Errorf("active with key = %+v, want only fresh", active)
	}

	if len(notifier.terminal) != 2 {
		t.Errorf("terminal signals = %d, want 2 (old failure, done success)", len(notifier.terminal))
	}
}

func TestService_CreateRollsBackOnEnqueueError(t *testing.T) {
	svc, notifier, _, db := newTestServiceDB(t)
	ctx := context.Background()

	old := syncRequest("w-old")
	old.MutexKey = "m"
	if _, err := svc.Create(ctx, old); err != nil {
		t.Fatal(err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TRIGGER reject_enqueue BEFORE INSERT ON workload_queue
		BEGIN SELECT RAISE(ABORT, 'store unavailable'); END
	`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	req := syncRequest("w-1")
	req.MutexKey = "m"
	_, err := svc.Create(ctx, req)
	if err == nil || errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("Create() error = %v, want store error", err)
	}

	if _, err := svc.Get(ctx, "w-1"); !IsNotFound(err) {
		t.Errorf("Get(w-1) error = %v, want not found", err)
	}
	var labels int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workload_labels WHERE workload_id = 'w-1'`).Scan(&labels); err != nil {
		t.Fatal(err)
	}
	if labels != 0 {
		t.Errorf("labels left behind = %d, want 0", labels)
	}
	got, err := svc.Get(ctx, "w-old")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("w-old status = %q, want pending", got.Status)
	}
	if len(notifier.terminal) != 0 || len(notifier.enqueued) != 1 {
		t.Errorf("events after failed Create: terminal=%d enqueued=%v", len(notifier.terminal), notifier.enqueued)
	}

	if _, err := db.ExecContext(ctx, `DROP TRIGGER reject_enqueue`); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, req); err != nil {
		t.Fatalf("retry Create() error = %v", err)
	}

	if _, err := repo.NewSQLiteQueueRepo(db).GetItem(ctx, "w-1"); err != nil {
		t.Errorf("GetItem(w-1) error = %v", err)
	}
	got, err = svc.Get(ctx, "w-old")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailure || got.TerminationReason != "superseded by w-1" {
		t.Errorf("w-old = %q/%q, want failure superseded by w-1", got.Status, got.TerminationReason)
	}
	got, err = svc.Get(ctx, "w-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("w-1 status = %q, want pending", got.Status)
	}
}

func TestService_TerminalSignalCarriesSignalInput(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	req := syncRequest("w-sig")
	req.SignalInput = `{"workflowType":"sync","workflowId":"wf-1"}`
	if _, err := svc.Create(ctx, req); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := svc.Cancel(ctx, "w-sig", "user", "api"); err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	if _, ok, err := svc.Cancel(ctx, "w-sig", "user", "api"); err != nil || ok {
		t.Errorf("second Cancel() = %v, %v; want no-match", ok, err)
	}

	if len(notifier.terminal) != 1 {
		t.Fatalf("terminal signals = %d, want 1", len(notifier.terminal))
	}
	sig := notifier.terminal[0]
	if sig.Status != domain.StatusCancelled || sig.SignalInput != req.SignalInput {
		t.Errorf("signal = %+v", sig)
	}
}

func TestService_PollClampsQuantity(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Create(ctx, syncRequest(id)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.Poll(ctx, PollRequest{Quantity: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("Poll(0) = %+v, want [a]", got)
	}

	got, err = svc.Poll(ctx, PollRequest{Quantity: MaxPollBatch * 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("Poll(huge) returned %d, want 2", len(got))
	}

	// Аренда по умолчанию из конфигурации — минута.
	clk.Advance(61 * time.Second)
	got, err = svc.Poll(ctx, PollRequest{Quantity: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("Poll() after lease = %d items, want 3", len(got))
	}

	bad := 5
	if _, err := svc.Poll(ctx, PollRequest{Priority: &bad}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Poll(priority 5) error = %v, want ErrInvalidArgument", err)
	}
}

func TestService_SearchByTypeStatusAndCreatedBefore(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	check := syncRequest("check-1")
	check.Type = domain.WorkloadTypeCheck
	if _, err := svc.Create(ctx, check); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, syncRequest("sync-1")); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	if _, err := svc.Create(ctx, syncRequest("sync-2")); err != nil {
		t.Fatal(err)
	}

	got, err := svc.SearchByTypeStatusAndCreatedBefore(ctx,
		[]domain.WorkloadType{domain.WorkloadTypeSync},
		[]domain.WorkloadStatus{domain.StatusPending},
		testStart.Add(time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "sync-1" {
		t.Errorf("got %+v, want [sync-1]", got)
	}
}

func TestService_CleanUpAckedEntries(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CleanUpAckedEntries(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("CleanUpAckedEntries(0) error = %v, want ErrInvalidArgument", err)
	}

	if _, err := svc.Create(ctx, syncRequest("w-gc")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Ack(ctx, "w-gc"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(repo.DefaultAckRetention + time.Second)

	n, err := svc.CleanUpAckedEntries(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
