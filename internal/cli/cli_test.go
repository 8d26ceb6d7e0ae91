package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// runner запускает команды против одной файловой SQLite.
type runner struct {
	t   *testing.T
	cfg config.Config
}

func newRunner(t *testing.T) *runner {
	t.Helper()
	r := &runner{t: t, cfg: config.Config{
		DBDriver: "sqlite",
		DBURL:    filepath.Join(t.TempDir(), "conveyor.db"),
		Queue:    config.QueueConfig{LeaseDuration: time.Minute, AckRetention: time.Hour},
	}}
	if _, err := r.run("migrate"); err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	return r
}

func (r *runner) run(args ...string) (string, error) {
	root := NewRoot("test", func() (config.Config, error) { return r.cfg, nil })
	var out, errOut bytes.Buffer
	root.SetOutput(&out, &errOut)
	err := root.Execute(context.Background(), args)
	return out.String(), err
}

func (r *runner) mustRun(args ...string) string {
	r.t.Helper()
	out, err := r.run(args...)
	if err != nil {
		r.t.Fatalf("%v error = %v", args, err)
	}
	return out
}

func (r *runner) getWorkload(id string) domain.Workload {
	r.t.Helper()
	var w domain.Workload
	if err := json.Unmarshal([]byte(r.mustRun("workload", "get", id, "--json")), &w); err != nil {
		r.t.Fatalf("decode workload: %v", err)
	}
	return w
}

func TestRoot_WorkloadLifecycle(t *testing.T) {
	r := newRunner(t)

	r.mustRun("workload", "create", "--id", "w-1", "--type", "sync", "--group", "us",
		"--label", "connection_id=c-1", "--label", "attempt=1", "--input", `{"k":1}`)

	w := r.getWorkload("w-1")
	if w.Status != domain.StatusPending || w.DataplaneGroup != "us" || w.InputPayload != `{"k":1}` {
		t.Fatalf("created workload = %+v", w)
	}
	if len(w.Labels) != 2 || w.Labels[0].Key != "attempt" {
		t.Errorf("labels = %+v, want sorted [attempt connection_id]", w.Labels)
	}

	if out := r.mustRun("queue", "count", "--group", "us"); !strings.Contains(out, "1") {
		t.Errorf("queue count output = %q", out)
	}

	var polled []domain.Workload
	if err := json.Unmarshal([]byte(r.mustRun("queue", "poll", "--group", "us", "--quantity", "5", "--json")), &polled); err != nil {
		t.Fatal(err)
	}
	if len(polled) != 1 || polled[0].ID != "w-1" {
		t.Fatalf("poll = %+v, want [w-1]", polled)
	}

	r.mustRun("workload", "claim", "w-1", "--dataplane", "dp-1")

	r.mustRun("workload", "cancel", "w-1", "--reason", "operator")
	w = r.getWorkload("w-1")
	if w.Status != domain.StatusCancelled || w.TerminationSource != SourceCLI || w.TerminationReason != "operator" {
		t.Errorf("cancelled workload = %s/%s/%s", w.Status, w.TerminationSource, w.TerminationReason)
	}
	if _, err := r.run("workload", "succeed", "w-1"); !errors.Is(err, ErrNotApplied) {
		t.Errorf("succeed after cancel error = %v, want ErrNotApplied", err)
	}

	r.mustRun("queue", "ack", "w-1")

	var listed []domain.Workload
	if err := json.Unmarshal([]byte(r.mustRun("workload", "list", "--status", "cancelled", "--json")), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Errorf("list --status cancelled = %d items, want 1", len(listed))
	}
}

func TestRoot_InvalidInput(t *testing.T) {
	r := newRunner(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown type", []string{"workload", "create", "--type", "replicate"}},
		{"missing type", []string{"workload", "create", "--id", "w-1"}},
		{"bad status", []string{"workload", "list", "--status", "done"}},
		{"bad time", []string{"workload", "list", "--created-before", "yesterday"}},
		{"missing workload", []string{"workload", "get", "nope"}},
		{"watch without rabbitmq", []string{"watch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.run(tt.args...); err == nil {
				t.Errorf("%v: error = nil", tt.args)
			}
		})
	}
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, errW: &buf}

	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out.Workloads([]domain.Workload{{
		ID:             "w-1",
		Type:           domain.WorkloadTypeSync,
		Status:         domain.StatusClaimed,
		DataplaneGroup: "us",
		DataplaneID:    "dp-1",
		Deadline:       &deadline,
		CreatedAt:      deadline,
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.HasPrefix(lines[1], "--") {
		t.Errorf("header = %q / %q", lines[0], lines[1])
	}
	for _, want := range []string{"w-1", "sync", "claimed", "dp-1", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q does not contain %q", lines[2], want)
		}
	}
}

func TestOutput_Event(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, errW: &buf}

	raw, err := json.Marshal(mq.Message{
		Type: mq.MessageTypeWorkloadTerminal,
		Payload: mq.WorkloadTerminalPayload{
			WorkloadID:        "w-1",
			Status:            "failure",
			TerminationReason: "exit status 1",
			TerminationSource: "worker",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	var msg mq.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}

	if err := out.Event(&msg); err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	got := buf.String()
	for _, want := range []string{"terminal", "w-1", "failure", `reason="exit status 1"`, "source=worker"} {
		if !strings.Contains(got, want) {
			t.Errorf("Event() = %q, want to contain %q", got, want)
		}
	}
}
