package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// pgQuerier — общее подмножество pgxpool.Pool и pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ WorkloadStore = (*WorkloadRepo)(nil)

// WorkloadRepo — хранилище workloads в Postgres.
type WorkloadRepo struct {
	pool *pgxpool.Pool
	opts options
}

// NewWorkloadRepo создаёт новый WorkloadRepo.
func NewWorkloadRepo(pool *pgxpool.Pool, opts ...Option) *WorkloadRepo {
	return &WorkloadRepo{pool: pool, opts: newOptions(opts)}
}

// Create сохраняет workload вместе с метками в одной транзакции.
// CreatedAt/UpdatedAt выставляются по часам репозитория.
func (r *WorkloadRepo) Create(ctx context.Context, w *domain.Workload) error {
	now := r.opts.now()
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return insertPgWorkload(ctx, tx, w, now)
	})
}

// CreateEnqueued сохраняет workload, метки и элемент очереди в одной
// транзакции: либо workload доступен для poll, либо его нет вовсе.
func (r *WorkloadRepo) CreateEnqueued(ctx context.Context, w *domain.Workload) (*domain.QueueItem, error) {
	now := r.opts.now()
	item := newQueueItem(w.ID, w.DataplaneGroup, w.Priority, now)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertPgWorkload(ctx, tx, w, now); err != nil {
			return err
		}
		return insertPgQueueItem(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func insertPgWorkload(ctx context.Context, q pgQuerier, w *domain.Workload, now time.Time) error {
	if w.Status == "" {
		w.Status = domain.StatusPending
	}
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO workloads (`+workloadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		w.ID,
		w.Type,
		w.Status,
		w.DataplaneGroup,
		nullString(w.DataplaneID),
		w.Priority,
		nullString(w.MutexKey),
		w.InputPayload,
		w.LogPath,
		nullString(w.SignalInput),
		w.WorkspaceID,
		w.OrganizationID,
		w.Deadline,
		w.LastHeartbeatAt,
		nullString(w.TerminationReason),
		nullString(w.TerminationSource),
		w.CreatedAt,
		w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("workload %q: %w", w.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert workload: %w", err)
	}

	for _, l := range w.Labels {
		_, err := q.Exec(ctx, `
			INSERT INTO workload_labels (workload_id, key, value) VALUES ($1, $2, $3)
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
func (r *WorkloadRepo) GetByID(ctx context.Context, id string) (*domain.Workload, error) {
	w, err := scanPgWorkload(r.pool.QueryRow(ctx, `
		SELECT `+workloadColumns+` FROM workloads WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	if err := hydratePg(ctx, r.pool, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Exists проверяет наличие workload.
func (r *WorkloadRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workloads WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("workload exists: %w", err)
	}
	return exists, nil
}

// Search возвращает workloads по фильтру, упорядоченные по created_at.
func (r *WorkloadRepo) Search(ctx context.Context, filter SearchFilter) ([]domain.Workload, error) {
	w := searchWhere(dialectPostgres, filter, func(t time.Time) any { return t })
	return r.list(ctx, w)
}

// SearchForExpired возвращает нетерминальные workloads с deadline < заданного.
func (r *WorkloadRepo) SearchForExpired(ctx context.Context, dataplaneIDs []string, statuses []domain.WorkloadStatus, deadline time.Time) ([]domain.Workload, error) {
	active := activeOnly(statuses)
	if len(active) == 0 {
		return nil, nil
	}

	w := newWhere(dialectPostgres)
	w.raw("deadline IS NOT NULL")
	w.lt("deadline", deadline.UTC())
	w.in("status", domain.StatusStrings(active))
	w.in("dataplane_id", dataplaneIDs)
	return r.list(ctx, w)
}

// SearchByMutexKeyAndStatusInList возвращает workloads с ключом mutexKey в одном из статусов.
func (r *WorkloadRepo) SearchByMutexKeyAndStatusInList(ctx context.Context, mutexKey string, statuses []domain.WorkloadStatus) ([]domain.Workload, error) {
	if mutexKey == "" || len(statuses) == 0 {
		return nil, nil
	}

	w := newWhere(dialectPostgres)
	w.eq("mutex_key", mutexKey)
	w.in("status", domain.StatusStrings(statuses))
	return r.list(ctx, w)
}

func (r *WorkloadRepo) list(ctx context.Context, w *where) ([]domain.Workload, error) {
	return listPgWorkloads(ctx, r.pool, `SELECT `+workloadColumns+` FROM workloads`+w.String()+` ORDER BY created_at ASC, id ASC`, w.args...)
}

// --- State machine ---

// Claim закрепляет workload за dataplane. Повторный claim тем же dataplane
// не меняет deadline.
func (r *WorkloadRepo) Claim(ctx context.Context, id, dataplaneID string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpClaim, id,
		`dataplane_id = $5, deadline = CASE WHEN status = 'pending' THEN $6 ELSE deadline END`,
		`AND (status <> 'claimed' OR dataplane_id = $5)`,
		dataplaneID, deadline.UTC(),
	)
}

// Launch переводит workload в launched.
func (r *WorkloadRepo) Launch(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpLaunch, id, `deadline = $5`, "", deadline.UTC())
}

// Running переводит workload в running.
func (r *WorkloadRepo) Running(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpRunning, id, `deadline = $5`, "", deadline.UTC())
}

// Heartbeat продлевает deadline и фиксирует сигнал жизни.
func (r *WorkloadRepo) Heartbeat(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpHeartbeat, id, `deadline = $5, last_heartbeat_at = $3`, "", deadline.UTC())
}

// Succeed завершает workload успешно.
func (r *WorkloadRepo) Succeed(ctx context.Context, id string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpSucceed, id, `deadline = NULL`, "")
}

// Fail завершает workload с ошибкой.
func (r *WorkloadRepo) Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpFail, id,
		`deadline = NULL, termination_reason = $5, termination_source = $6`, "",
		nullString(reason), nullString(source),
	)
}

// Cancel отменяет workload.
func (r *WorkloadRepo) Cancel(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return r.transition(ctx, domain.OpCancel, id,
		`deadline = NULL, termination_reason = $5, termination_source = $6`, "",
		nullString(reason), nullString(source),
	)
}

// transition выполняет один guarded UPDATE.
//
// $1 — id, $2 — новый статус, $3 — now, $4 — допустимые исходные статусы;
// set и guard ссылаются на extra начиная с $5.
func (r *WorkloadRepo) transition(ctx context.Context, op domain.Op, id, set, guard string, extra ...any) (*domain.Workload, bool, error) {
	rule := domain.RuleFor(op)
	args := append([]any{id, rule.To, r.opts.now(), domain.StatusStrings(rule.From)}, extra...)

	query := `
		UPDATE workloads
		SET status = $2, updated_at = $3, ` + set + `
		WHERE id = $1 AND status = ANY($4) ` + guard + `
		RETURNING ` + workloadColumns

	w, err := scanPgWorkload(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s workload %q: %w", op, id, err)
	}
	if err := hydratePg(ctx, r.pool, w); err != nil {
		return nil, false, err
	}
	return w, true, nil
}

// --- Helpers ---

func scanPgWorkload(row pgx.Row) (*domain.Workload, error) {
	var w domain.Workload
	var dataplaneID, mutexKey, signalInput, reason, source *string
	var workspaceID, organizationID *uuid.UUID

	err := row.Scan(
		&w.ID,
		&w.Type,
		&w.Status,
		&w.DataplaneGroup,
		&dataplaneID,
		&w.Priority,
		&mutexKey,
		&w.InputPayload,
		&w.LogPath,
		&signalInput,
		&workspaceID,
		&organizationID,
		&w.Deadline,
		&w.LastHeartbeatAt,
		&reason,
		&source,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workload: %w", err)
	}

	w.DataplaneID = derefString(dataplaneID)
	w.MutexKey = derefString(mutexKey)
	w.SignalInput = derefString(signalInput)
	w.TerminationReason = derefString(reason)
	w.TerminationSource = derefString(source)
	w.WorkspaceID = workspaceID
	w.OrganizationID = organizationID
	w.Deadline = utcPtr(w.Deadline)
	w.LastHeartbeatAt = utcPtr(w.LastHeartbeatAt)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func listPgWorkloads(ctx context.Context, q pgQuerier, query string, args ...any) ([]domain.Workload, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workloads: %w", err)
	}
	defer rows.Close()

	var workloads []domain.Workload
	for rows.Next() {
		w, err := scanPgWorkload(rows)
		if err != nil {
			return nil, err
		}
		workloads = append(workloads, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workloads: %w", err)
	}

	labels, err := loadPgLabels(ctx, q, workloadIDs(workloads))
	if err != nil {
		return nil, err
	}
	attachLabels(workloads, labels)
	return workloads, nil
}

func hydratePg(ctx context.Context, q pgQuerier, w *domain.Workload) error {
	labels, err := loadPgLabels(ctx, q, []string{w.ID})
	if err != nil {
		return err
	}
	ls := labels[w.ID]
	domain.SortLabels(ls)
	w.Labels = ls
	return nil
}

// loadPgLabels — шаг гидрации: метки для набора workloads одним запросом.
func loadPgLabels(ctx context.Context, q pgQuerier, ids []string) (map[string][]domain.Label, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		SELECT workload_id, key, value FROM workload_labels WHERE workload_id = ANY($1)
	`, ids)
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
