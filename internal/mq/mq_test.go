package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestRoutingKeys(t *testing.T) {
	if got := EnqueuedKey("us"); got != "enqueued.us" {
		t.Errorf("EnqueuedKey(us) = %q", got)
	}
	if got := TerminalKey(string(domain.StatusFailure)); got != "terminal.failure" {
		t.Errorf("TerminalKey(failure) = %q", got)
	}
}

func TestParsePayload_RoundTripThroughJSON(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	msg := newMessage(MessageTypeWorkloadExpired, WorkloadExpiredPayload{
		WorkloadID:     "w-1",
		Status:         "running",
		DataplaneGroup: "us",
		DataplaneID:    "worker-a",
		Deadline:       &deadline,
	})

	// Consumer получает Payload как map после json.Unmarshal.
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var received Message
	if err := json.Unmarshal(body, &received); err != nil {
		t.Fatal(err)
	}
	if received.Type != MessageTypeWorkloadExpired || received.ID != msg.ID {
		t.Errorf("received = %+v", received)
	}

	got, err := ParsePayload[WorkloadExpiredPayload](&received)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if got.WorkloadID != "w-1" || got.DataplaneID != "worker-a" {
		t.Errorf("payload = %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("Deadline = %v, want %v", got.Deadline, deadline)
	}
}

func TestParsePayload_TypeMismatch(t *testing.T) {
	msg := &Message{Type: MessageTypeWorkloadEnqueued, Payload: map[string]any{"priority": "high"}}
	if _, err := ParsePayload[WorkloadEnqueuedPayload](msg); err == nil {
		t.Error("expected error for string priority")
	}
}
