package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// WorkloadType — категория работы.
type WorkloadType string

const (
	WorkloadTypeCheck    WorkloadType = "check"
	WorkloadTypeDiscover WorkloadType = "discover"
	WorkloadTypeSpec     WorkloadType = "spec"
	WorkloadTypeSync     WorkloadType = "sync"
)

// AllWorkloadTypes — все известные типы.
var AllWorkloadTypes = []WorkloadType{
	WorkloadTypeCheck,
	WorkloadTypeDiscover,
	WorkloadTypeSpec,
	WorkloadTypeSync,
}

// ParseWorkloadType парсит строку в WorkloadType.
func ParseWorkloadType(s string) (WorkloadType, error) {
	for _, t := range AllWorkloadTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Приоритеты. Используются только для партиционирования очереди.
const (
	PriorityDefault = 0
	PriorityHigh    = 1
)

// ValidPriority проверяет, что приоритет входит в допустимый набор.
func ValidPriority(p int) bool {
	return p == PriorityDefault || p == PriorityHigh
}

// Label — пара ключ/значение, прикреплённая к workload при создании.
// После создания не меняется.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Workload — единица работы, которую dataplane забирает на выполнение.
//
// Workload создаётся producer'ом (id задаёт он же), попадает в очередь
// и проходит через state machine до одного из терминальных статусов.
type Workload struct {
	// ID — непрозрачный уникальный идентификатор от producer'а.
	ID string `json:"id"`

	// Type — категория работы (check, discover, spec, sync).
	Type WorkloadType `json:"type"`

	// Status — текущий статус.
	Status WorkloadStatus `json:"status"`

	// DataplaneGroup — пул воркеров, которому разрешено обслуживать workload.
	DataplaneGroup string `json:"dataplane_group"`

	// DataplaneID — воркер, который забрал workload (пусто до claim).
	DataplaneID string `json:"dataplane_id,omitempty"`

	// Priority — приоритет (0 — default, 1 — high).
	Priority int `json:"priority"`

	// MutexKey — ключ взаимного исключения; пусто, если не задан.
	// Проверяется вызывающей стороной, а не очередью.
	MutexKey string `json:"mutex_key,omitempty"`

	// Labels — метки, неизменяемые после создания.
	Labels []Label `json:"labels,omitempty"`

	// InputPayload — сериализованные входные данные для launcher'а.
	InputPayload string `json:"input_payload,omitempty"`

	// LogPath — префикс ключа в blob storage для логов.
	LogPath string `json:"log_path,omitempty"`

	// SignalInput — payload, который пересылается в сигнале о завершении.
	SignalInput string `json:"signal_input,omitempty"`

	// WorkspaceID, OrganizationID — метаданные владельца (опционально).
	WorkspaceID    *uuid.UUID `json:"workspace_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`

	// Deadline — после этого момента workload без heartbeat считается зависшим.
	// Очищается при переходе в терминальный статус.
	Deadline *time.Time `json:"deadline,omitempty"`

	// LastHeartbeatAt — последний сигнал жизни от воркера.
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// TerminationReason, TerminationSource — заполняются только для failure/cancelled.
	TerminationReason string `json:"termination_reason,omitempty"`
	TerminationSource string `json:"termination_source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если workload в терминальном статусе.
func (w *Workload) IsFinished() bool {
	return w.Status.IsTerminal()
}

// Label возвращает значение метки по ключу.
func (w *Workload) Label(key string) (string, bool) {
	for _, l := range w.Labels {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

// SortLabels упорядочивает метки по ключу, чтобы чтение было детерминированным.
func SortLabels(labels []Label) {
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Key == labels[j].Key {
			return labels[i].Value < labels[j].Value
		}
		return labels[i].Key < labels[j].Key
	})
}
