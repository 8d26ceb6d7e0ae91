package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// sqlQuerier — общее подмножество *sql.DB и *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ WorkloadStore = (*SQLiteWorkloadRepo)(nil)

// SQLiteWorkloadRepo — хранилище workloads во встроенной SQLite.
// Время хранится как микросекунды Unix.
type SQLiteWorkloadRepo struct {
	db   *sql.DB
	opts options
}

// NewSQLiteWorkloadRepo создаёт новый SQLiteWorkloadRepo.
func NewSQLiteWorkloadRepo(db *sql.DB, opts ...Option) *SQLiteWorkloadRepo {
	return &SQLiteWorkloadRepo{db: db, opts: newOptions(opts)}
}

// Create сохраняет workload вместе с метками в одной транзакции.
func (r *SQLiteWorkloadRepo) Create(ctx context.Context, w *domain.Workload) error {
	now := r.opts.now()
	return inSQLiteTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertSQLiteWorkload(ctx, tx, w, now)
	})
}

// CreateEnqueued сохраняет workload, метки и элемент очереди в одной транзакции.
func (r *SQLiteWorkloadRepo) CreateEnqueued(ctx context.Context, w *domain.Workload) (*domain.QueueItem, error) {
	now := r.opts.now()
	item := newQueueItem(w.ID, w.DataplaneGroup, w.Priority, now)

	err := inSQLiteTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertSQLiteWorkload(ctx, tx, w, now); err != nil {
			return err
		}
		return insertSQLiteQueueItem(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func insertSQLiteWorkload(ctx context.Context, q sqlQuerier, w *domain.Workload, now time.Time) error {
	if w.Status == "" {
		w.Status = domain.StatusPending
	}
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO workloads (`+workloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID,
		string(w.Type),
		string(w.Status),
		w.DataplaneGroup,
		nullString(w.DataplaneID),
		w.Priority,
		nullString(w.MutexKey),
		w.InputPayload,
		w.LogPath,
		nullString(w.SignalInput),
		uuidText(w.WorkspaceID),
		uuidText(w.OrganizationID),
		microsPtr(w.Deadline),
		microsPtr(w.LastHeartbeatAt),
		nullString(w.TerminationReason),
		nullString(w.TerminationSource),
		w.CreatedAt.UnixMicro(),
		w.UpdatedAt.UnixMicro(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("workload %q: %w", w.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert workload: %w", err)
	}

	for _, l := range w.Labels {
		_, err := q.ExecContext(ctx, `
			INSERT INTO workload_labels (workload_id, key, value) VALUES (?, ?, ?)
		`, w.ID, l.Key, l.Value)
		if isUniqueViolation(err) {
			return fmt.Errorf("label %q: %w", l.Key, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert label: %w", err)
		}
	}
	return nil
}

// GetByID возвращает workload с метками.
func (r *SQLiteWorkloadRepo) GetByID(ctx context.Context, id string) (*domain.Workload, error) {
	w, err := scanSQLiteWorkload(r.db.QueryRowContext(ctx, `
		SELECT `+workloadColumns+` FROM workloads WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	if err := hydrateSQLite(ctx, r.db, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Exists проверяет наличие workload.
func (r *SQLiteWorkloadRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workloads WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("workload exists: %w", err)
	}
	return exists, nil
}

// Search возвращает workloads по фильтру, упорядоченные по created_at.
func (r *SQLiteWorkloadRepo) Search(ctx context.Context, filter SearchFilter) ([]domain.Workload, error) {
	w := searchWhere(dialectSQLite, filter, func(t time.Time) any { return t.UnixMicro() })
	return r.list(ctx, w)
}

// SearchForExpired возвращает нетерминальные workloads с deadline < заданного.
func (r *SQLiteWorkloadRepo) SearchForExpired(ctx context.Context, dataplaneIDs []string, statuses []domain.WorkloadStatus, deadline time.Time) ([]domain.Workload, error) {
	active := activeOnly(statuses)
	if len(active) == 0 {
		return nil, nil
	}

	w := newWhere(dialectSQLite)
	w.raw("deadline IS NOT NULL")
	w.lt("deadline", deadline.UnixMicro())
	w.in("status", domain.StatusStrings(active))
	w.in("dataplane_id", dataplaneIDs)
	return r.list(ctx, w)
}

// SearchByMutexKeyAndStatusInList возвращает workloads с ключом mutexKey в одном из статусов.
func (r *SQLiteWorkloadRepo) SearchByMutexKeyAndStatusInList(ctx context.Context, mutexKey string, statuses []domain.WorkloadStatus) ([]domain.Workload, error) {
	if mutexKey == "" || len(statuses) == 0 {
		return nil, nil
	}

	w := newWhere(dialectSQLite)
	w.eq("mutex_key", mutexKey)
	w.in("status", domain.StatusStrings(statuses))
	return r.list(ctx, w)
}

func (r *SQLiteWorkloadRepo) list(ctx context.Context, w *where) ([]domain.Workload, error) {
	return listSQLiteWorkloads(ctx, r.db, `SELECT `+workloadColumns+` FROM workloads`+w.String()+` ORDER BY created_at ASC, id ASC`, w.args...)
}

// --- State machine ---

// Claim закрепляет workload за dataplane. Повторный claim тем же dataplane
// не меняет deadline.
func (r *SQLiteWorkloadRepo) Claim(ctx context.Context, id, dataplaneID string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpClaim, id,
		`dataplane_id = ?, deadline = CASE WHEN status = 'pending' THEN ? ELSE deadline END`,
		[]any{dataplaneID, deadline.UnixMicro()},
		` AND (status <> 'claimed' OR dataplane_id = ?)`,
		dataplaneID,
	)
}

// Launch переводит workload в launched.
func (r *SQLiteWorkloadRepo) Launch(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpLaunch, id, `deadline = ?`, []any{deadline.UnixMicro()}, "")
}

// Running переводит workload в running.
func (r *SQLiteWorkloadRepo) Running(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpRunning, id, `deadline = ?`, []any{deadline.UnixMicro()}, "")
}

// Heartbeat продлевает deadline и фиксирует сигнал жизни.
func (r *SQLiteWorkloadRepo) Heartbeat(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpHeartbeat, id,
		`deadline = ?, last_heartbeat_at = ?`,
		[]any{deadline.UnixMicro(), r.opts.now().UnixMicro()},
		"",
	)
}

// Succeed завершает workload успешно.
func (r *SQLiteWorkloadRepo) Succeed(ctx context.Context, id string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpSucceed, id, `deadline = NULL`, nil, "")
}

// Fail завершает workload с ошибкой.
func (r *SQLiteWorkloadRepo) Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpFail, id,
		`deadline = NULL, termination_reason = ?, termination_source = ?`,
		[]any{nullString(reason), nullString(source)},
		"",
	)
}

// Cancel отменяет workload.
func (r *SQLiteWorkloadRepo) Cancel(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpCancel, id,
		`deadline = NULL, termination_reason = ?, termination_source = ?`,
		[]any{nullString(reason), nullString(source)},
		"",
	)
}

// transition выполняет один guarded UPDATE ... RETURNING.
// Параметры идут в порядке появления: SET, затем WHERE.
func (r *SQLiteWorkloadRepo) transition(ctx context.Context, op domain.Op, id, set string, setArgs []any, guard string, guardArgs ...any) (*domain.Workload, bool, error) {
	rule := domain.RuleFor(op)

	w := newWhere(dialectSQLite)
	w.eq("id", id)
	w.in("status", domain.StatusStrings(rule.From))

	args := make([]any, 0, 2+len(setArgs)+len(w.args)+len(guardArgs))
	args = append(args, string(rule.To), r.opts.now().UnixMicro())
	args = append(args, setArgs...)
	args = append(args, w.args...)
	args = append(args, guardArgs...)

	query := `UPDATE workloads SET status = ?, updated_at = ?, ` + set +
		w.String() + guard +
		` RETURNING ` + workloadColumns

	wl, err := scanSQLiteWorkload(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s workload %q: %w", op, id, err)
	}
	if err := hydrateSQLite(ctx, r.db, wl); err != nil {
		return nil, false, err
	}
	return wl, true, nil
}

// --- Helpers ---

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkload(row sqlScanner) (*domain.Workload, error) {
	var w domain.Workload
	var typ, status string
	var dataplaneID, mutexKey, signalInput, workspaceID, organizationID, reason, source sql.NullString
	var deadline, heartbeat sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&w.ID,
		&typ,
		&status,
		&w.DataplaneGroup,
		&dataplaneID,
		&w.Priority,
		&mutexKey,
		&w.InputPayload,
		&w.LogPath,
		&signalInput,
		&workspaceID,
		&organizationID,
		&deadline,
		&heartbeat,
		&reason,
		&source,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workload: %w", err)
	}

	w.Type = domain.WorkloadType(typ)
	w.Status = domain.WorkloadStatus(status)
	w.DataplaneID = dataplaneID.String
	w.MutexKey = mutexKey.String
	w.SignalInput = signalInput.String
	w.TerminationReason = reason.String
	w.TerminationSource = source.String
	w.Deadline = fromMicrosNull(deadline)
	w.LastHeartbeatAt = fromMicrosNull(heartbeat)
	w.CreatedAt = fromMicros(createdAt)
	w.UpdatedAt = fromMicros(updatedAt)

	if w.WorkspaceID, err = parseUUIDNull(workspaceID); err != nil {
		return nil, fmt.Errorf("scan workload: workspace_id: %w", err)
	}
	if w.OrganizationID, err = parseUUIDNull(organizationID); err != nil {
		return nil, fmt.Errorf("scan workload: organization_id: %w", err)
	}
	return &w, nil
}

func listSQLiteWorkloads(ctx context.Context, q sqlQuerier, query string, args ...any) ([]domain.Workload, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workloads: %w", err)
	}

	var workloads []domain.Workload
	for rows.Next() {
		w, err := scanSQLiteWorkload(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		workloads = append(workloads, *w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list workloads: %w", err)
	}
	rows.Close()

	labels, err := loadSQLiteLabels(ctx, q, workloadIDs(workloads))
	if err != nil {
		return nil, err
	}
	attachLabels(workloads, labels)
	return workloads, nil
}

func hydrateSQLite(ctx context.Context, q sqlQuerier, w *domain.Workload) error {
	labels, err := loadSQLiteLabels(ctx, q, []string{w.ID})
	if err != nil {
		return err
	}
	ls := labels[w.ID]
	domain.SortLabels(ls)
	w.Labels = ls
	return nil
}

func loadSQLiteLabels(ctx context.Context, q sqlQuerier, ids []string) (map[string][]domain.Label, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	w := newWhere(dialectSQLite)
	w.in("workload_id", ids)
	rows, err := q.QueryContext(ctx, `SELECT workload_id, key, value FROM workload_labels`+w.String(), w.args...)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string][]domain.Label)
	for rows.Next() {
		var id string
		var l domain.Label
		if err := rows.Scan(&id, &l.Key, &l.Value); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels[id] = append(labels[id], l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	return labels, nil
}

// inSQLiteTx выполняет fn в транзакции: commit при nil, rollback при ошибке.
func inSQLiteTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromMicrosNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func microsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func uuidText(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseUUIDNull(v sql.NullString) (*uuid.UUID, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
