package repo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// workloadColumns — порядок колонок, который ожидают scanWorkload в обоих бэкендах.
const workloadColumns = `id, type, status, dataplane_group, dataplane_id, priority, mutex_key,
	input_payload, log_path, signal_input, workspace_id, organization_id,
	deadline, last_heartbeat_at, termination_reason, termination_source,
	created_at, updated_at`

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// where собирает WHERE-условие с позиционными параметрами нужного диалекта.
type where struct {
	d     dialect
	conds []string
	args  []any
}

func newWhere(d dialect) *where {
	return &where{d: d}
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	if w.d == dialectPostgres {
		return fmt.Sprintf("$%d", len(w.args))
	}
	return "?"
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) eq(col string, v any) {
	w.conds = append(w.conds, col+" = "+w.arg(v))
}

func (w *where) lt(col string, v any) {
	w.conds = append(w.conds, col+" < "+w.arg(v))
}

// in добавляет условие col IN (...). Пустой список условия не добавляет.
func (w *where) in(col string, values []string) {
	if len(values) == 0 {
		return
	}
	if w.d == dialectPostgres {
		w.conds = append(w.conds, col+" = ANY("+w.arg(values)+")")
		return
	}
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = w.arg(v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(ph, ", ")+")")
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// searchWhere строит условие для Search. timeArg переводит время в формат бэкенда.
func searchWhere(d dialect, filter SearchFilter, timeArg func(time.Time) any) *where {
	w := newWhere(d)
	w.in("dataplane_id", filter.DataplaneIDs)
	w.in("status", domain.StatusStrings(filter.Statuses))
	w.in("type", typeStrings(filter.Types))
	if filter.UpdatedBefore != nil {
		w.lt("updated_at", timeArg(*filter.UpdatedBefore))
	}
	if filter.CreatedBefore != nil {
		w.lt("created_at", timeArg(*filter.CreatedBefore))
	}
	return w
}

func typeStrings(types []domain.WorkloadType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func workloadIDs(workloads []domain.Workload) []string {
	ids := make([]string, len(workloads))
	for i := range workloads {
		ids[i] = workloads[i].ID
	}
	return ids
}

// attachLabels раскладывает метки по workloads.
func attachLabels(workloads []domain.Workload, labels map[string][]domain.Label) {
	for i := range workloads {
		ls := labels[workloads[i].ID]
		domain.SortLabels(ls)
		workloads[i].Labels = ls
	}
}

// polledRef — ссылка на выданный элемент очереди; порядок выдачи задаётся
// (createdAt, seq).
type polledRef struct {
	workloadID string
	createdAt  time.Time
	seq        int64
}

func sortPolled(refs []polledRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].createdAt.Equal(refs[j].createdAt) {
			return refs[i].seq < refs[j].seq
		}
		return refs[i].createdAt.Before(refs[j].createdAt)
	})
}

// orderByRefs возвращает workloads в порядке refs; отсутствующие пропускаются.
func orderByRefs(refs []polledRef, byID map[string]domain.Workload) []domain.Workload {
	out := make([]domain.Workload, 0, len(refs))
	for _, ref := range refs {
		if w, ok := byID[ref.workloadID]; ok {
			out = append(out, w)
		}
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// dispatchableWhere — элементы, которые poll выдал бы прямо сейчас.
// now передаётся уже в формате бэкенда.
func dispatchableWhere(d dialect, now any, dataplaneGroup *string, priority *int) *where {
	w := newWhere(d)
	w.raw("acked_at IS NULL")
	w.lt("poll_deadline", now)
	if dataplaneGroup != nil {
		w.eq("dataplane_group", *dataplaneGroup)
	}
	if priority != nil {
		w.eq("priority", *priority)
	}
	return w
}
