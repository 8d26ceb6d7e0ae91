package domain

import "slices"

// Op — операция state machine.
type Op string

const (
	OpClaim     Op = "claim"
	OpLaunch    Op = "launch"
	OpRunning   Op = "running"
	OpHeartbeat Op = "heartbeat"
	OpSucceed   Op = "succeed"
	OpFail      Op = "fail"
	OpCancel    Op = "cancel"
)

// Rule — допустимые исходные статусы и результирующий статус операции.
type Rule struct {
	From []WorkloadStatus
	To   WorkloadStatus
}

// rules — таблица переходов. Оба SQL-бэкенда строят guard из неё.
//
// claim дополнительно требует совпадения dataplane_id, если workload
// уже в claimed; это условие добавляется в самом запросе.
var rules = map[Op]Rule{
	OpClaim:     {From: []WorkloadStatus{StatusPending, StatusClaimed}, To: StatusClaimed},
	OpLaunch:    {From: []WorkloadStatus{StatusClaimed, StatusLaunched}, To: StatusLaunched},
	OpRunning:   {From: []WorkloadStatus{StatusClaimed, StatusLaunched, StatusRunning}, To: StatusRunning},
	OpHeartbeat: {From: []WorkloadStatus{StatusClaimed, StatusLaunched, StatusRunning}, To: StatusRunning},
	OpSucceed:   {From: ActiveStatuses, To: StatusSuccess},
	OpFail:      {From: ActiveStatuses, To: StatusFailure},
	OpCancel:    {From: ActiveStatuses, To: StatusCancelled},
}

// RuleFor возвращает правило для операции. Паникует на неизвестной операции:
// набор операций фиксирован на этапе компиляции.
func RuleFor(op Op) Rule {
	r, ok := rules[op]
	if !ok {
		panic("domain: unknown op " + string(op))
	}
	return r
}

// CanApply проверяет, разрешена ли операция из статуса from.
func CanApply(op Op, from WorkloadStatus) bool {
	return slices.Contains(RuleFor(op).From, from)
}

// IsTerminalOp возвращает true для операций, переводящих workload в финальный статус.
func (op Op) IsTerminalOp() bool {
	return RuleFor(op).To.IsTerminal()
}

// StatusStrings возвращает статусы как []string (для SQL-параметров).
func StatusStrings(statuses []WorkloadStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
