package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseWorkloadStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseWorkloadStatus(string(s))
		if err != nil || got != s {
			t.Errorf("ParseWorkloadStatus(%q) = %q, %v", s, got, err)
		}
	}

	if _, err := ParseWorkloadStatus("done"); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("ParseWorkloadStatus(done) error = %v, want ErrUnknownStatus", err)
	}
	if _, err := ParseWorkloadStatuses([]string{"pending", "PENDING"}); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("ParseWorkloadStatuses() error = %v, want ErrUnknownStatus (case-sensitive)", err)
	}
	if got, err := ParseWorkloadStatuses(nil); err != nil || got != nil {
		t.Errorf("ParseWorkloadStatuses(nil) = %v, %v", got, err)
	}
}

func TestParseWorkloadType(t *testing.T) {
	if got, err := ParseWorkloadType("discover"); err != nil || got != WorkloadTypeDiscover {
		t.Errorf("ParseWorkloadType(discover) = %q, %v", got, err)
	}
	if _, err := ParseWorkloadType("replicate"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("ParseWorkloadType(replicate) error = %v, want ErrUnknownType", err)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range ActiveStatuses {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", s)
		}
	}
	for _, s := range TerminalStatuses {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}
}

func TestCanApply(t *testing.T) {
	tests := []struct {
		op   Op
		from WorkloadStatus
		want bool
	}{
		{OpClaim, StatusPending, true},
		{OpClaim, StatusClaimed, true},
		{OpClaim, StatusLaunched, false},
		{OpLaunch, StatusPending, false},
		{OpLaunch, StatusClaimed, true},
		{OpLaunch, StatusLaunched, true},
		{OpRunning, StatusClaimed, true},
		{OpRunning, StatusRunning, true},
		{OpRunning, StatusPending, false},
		{OpHeartbeat, StatusLaunched, true},
		{OpHeartbeat, StatusPending, false},
		{OpHeartbeat, StatusCancelled, false},
		{OpSucceed, StatusPending, true},
		{OpFail, StatusRunning, true},
		{OpCancel, StatusClaimed, true},
	}

	for _, tt := range tests {
		if got := CanApply(tt.op, tt.from); got != tt.want {
			t.Errorf("CanApply(%s, %s) = %v, want %v", tt.op, tt.from, got, tt.want)
		}
	}

	// Из терминальных статусов переходов нет.
	for _, op := range []Op{OpClaim, OpLaunch, OpRunning, OpHeartbeat, OpSucceed, OpFail, OpCancel} {
		for _, s := range TerminalStatuses {
			if CanApply(op, s) {
				t.Errorf("CanApply(%s, %s) = true, want false", op, s)
			}
		}
	}
}

func TestOp_IsTerminalOp(t *testing.T) {
	terminal := map[Op]bool{OpSucceed: true, OpFail: true, OpCancel: true}
	for _, op := range []Op{OpClaim, OpLaunch, OpRunning, OpHeartbeat, OpSucceed, OpFail, OpCancel} {
		if got := op.IsTerminalOp(); got != terminal[op] {
			t.Errorf("%s.IsTerminalOp() = %v", op, got)
		}
	}
}

func TestRuleFor_UnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("RuleFor(unknown) did not panic")
		}
	}()
	RuleFor("restart")
}

func TestSortLabels(t *testing.T) {
	labels := []Label{{"b", "1"}, {"a", "2"}, {"a", "1"}}
	SortLabels(labels)

	want := []Label{{"a", "1"}, {"a", "2"}, {"b", "1"}}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("SortLabels() = %v, want %v", labels, want)
		}
	}

	w := Workload{Labels: labels}
	if v, ok := w.Label("b"); !ok || v != "1" {
		t.Errorf("Label(b) = %q, %v", v, ok)
	}
	if _, ok := w.Label("c"); ok {
		t.Error("Label(c) found")
	}
}

func TestQueueItem_Lease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := QueueItem{PollDeadline: now}

	if !item.IsLeased(now) {
		t.Error("item with poll_deadline == now must still be leased")
	}
	if item.IsLeased(now.Add(time.Microsecond)) {
		t.Error("item must be available after poll_deadline")
	}
	if item.IsAcked() {
		t.Error("new item is acked")
	}

	if !ValidPriority(PriorityHigh) || ValidPriority(2) || ValidPriority(-1) {
		t.Error("ValidPriority accepts only 0 and 1")
	}
}
