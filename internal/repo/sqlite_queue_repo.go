package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

var _ QueueStore = (*SQLiteQueueRepo)(nil)

// SQLiteQueueRepo — очередь с арендой в SQLite.
//
// SKIP LOCKED в SQLite нет, поэтому захват строки — условный UPDATE,
// где наблюдаемый poll_deadline служит токеном конкурентности: если другой
// poll уже продлил аренду, UPDATE не затронет строку и она пропускается.
type SQLiteQueueRepo struct {
	db   *sql.DB
	opts options
}

// NewSQLiteQueueRepo создаёт новый SQLiteQueueRepo.
func NewSQLiteQueueRepo(db *sql.DB, opts ...Option) *SQLiteQueueRepo {
	return &SQLiteQueueRepo{db: db, opts: newOptions(opts)}
}

// Enqueue создаёт элемент очереди для workload. Элемент сразу доступен для poll.
func (r *SQLiteQueueRepo) Enqueue(ctx context.Context, workloadID, dataplaneGroup string, priority int) (*domain.QueueItem, error) {
	item := newQueueItem(workloadID, dataplaneGroup, priority, r.opts.now())
	if err := insertSQLiteQueueItem(ctx, r.db, item); err != nil {
		return nil, err
	}
	return item, nil
}

func insertSQLiteQueueItem(ctx context.Context, q sqlQuerier, item *domain.QueueItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO workload_queue (id, workload_id, dataplane_group, priority, poll_deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID.String(),
		item.WorkloadID,
		item.DataplaneGroup,
		item.Priority,
		item.PollDeadline.UnixMicro(),
		item.CreatedAt.UnixMicro(),
		item.UpdatedAt.UnixMicro(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("queue item for %q: %w", item.WorkloadID, ErrAlreadyExists)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("workload %q: %w", item.WorkloadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("enqueue workload: %w", err)
	}
	return nil
}

// Poll выдаёт до Quantity готовых элементов, продлевает их аренду
// и возвращает полные workloads с метками. Всё в одной транзакции.
func (r *SQLiteQueueRepo) Poll(ctx context.Context, params PollParams) ([]domain.Workload, error) {
	params = params.withDefaults()
	now := r.opts.now()
	leaseUntil := now.Add(params.LeaseDuration).UnixMicro()

	w := dispatchableWhere(dialectSQLite, now.UnixMicro(), params.DataplaneGroup, params.Priority)
	selectQuery := `SELECT seq, workload_id, created_at, poll_deadline FROM workload_queue` + w.String() +
		` ORDER BY created_at ASC, seq ASC LIMIT ?`
	selectArgs := append(w.args, params.Quantity)

	var result []domain.Workload
	err := inSQLiteTx(ctx, r.db, func(tx *sql.Tx) error {
		type candidate struct {
			ref          polledRef
			pollDeadline int64
		}

		rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
		if err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			var createdAt int64
			if err := rows.Scan(&c.ref.seq, &c.ref.workloadID, &createdAt, &c.pollDeadline); err != nil {
				rows.Close()
				return fmt.Errorf("poll queue: %w", err)
			}
			c.ref.createdAt = fromMicros(createdAt)
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("poll queue: %w", err)
		}
		rows.Close()

		refs := make([]polledRef, 0, len(candidates))
		for _, c := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE workload_queue
				SET poll_deadline = ?, updated_at = ?
				WHERE seq = ? AND poll_deadline = ? AND acked_at IS NULL
			`, leaseUntil, now.UnixMicro(), c.ref.seq, c.pollDeadline)
			if err != nil {
				return fmt.Errorf("lease queue item: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("lease queue item: %w", err)
			}
			if n == 1 {
				refs = append(refs, c.ref)
			}
		}
		if len(refs) == 0 {
			return nil
		}
		sortPolled(refs)

		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.workloadID
		}
		in := newWhere(dialectSQLite)
		in.in("id", ids)
		workloads, err := listSQLiteWorkloads(ctx, tx, `SELECT `+workloadColumns+` FROM workloads`+in.String(), in.args...)
		if err != nil {
			return err
		}

		byID := make(map[string]domain.Workload, len(workloads))
		for _, wl := range workloads {
			byID[wl.ID] = wl
		}
		result = orderByRefs(refs, byID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ack подтверждает элемент очереди. Повторный вызов ничего не меняет.
func (r *SQLiteQueueRepo) Ack(ctx context.Context, workloadID string) error {
	now := r.opts.now().UnixMicro()
	_, err := r.db.ExecContext(ctx, `
		UPDATE workload_queue
		SET acked_at = ?, updated_at = ?
		WHERE workload_id = ? AND acked_at IS NULL
	`, now, now, workloadID)
	if err != nil {
		return fmt.Errorf("ack workload %q: %w", workloadID, err)
	}
	return nil
}

// GetItem возвращает элемент очереди по workload id.
func (r *SQLiteQueueRepo) GetItem(ctx context.Context, workloadID string) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var id string
	var pollDeadline, createdAt, updatedAt int64
	var ackedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT id, workload_id, dataplane_group, priority, poll_deadline, acked_at, created_at, updated_at
		FROM workload_queue
		WHERE workload_id = ?
	`, workloadID).Scan(
		&id,
		&item.WorkloadID,
		&item.DataplaneGroup,
		&item.Priority,
		&pollDeadline,
		&ackedAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}

	if item.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get queue item: parse id: %w", err)
	}
	item.PollDeadline = fromMicros(pollDeadline)
	item.AckedAt = fromMicrosNull(ackedAt)
	item.CreatedAt = fromMicros(createdAt)
	item.UpdatedAt = fromMicros(updatedAt)
	return &item, nil
}

// CountEnqueued считает доступные к выдаче элементы (не подтверждённые и не арендованные).
func (r *SQLiteQueueRepo) CountEnqueued(ctx context.Context, dataplaneGroup *string, priority *int) (int, error) {
	w := dispatchableWhere(dialectSQLite, r.opts.now().UnixMicro(), dataplaneGroup, priority)

	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workload_queue`+w.String(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count enqueued: %w", err)
	}
	return count, nil
}

// EnqueuedStatsByPartition возвращает число доступных элементов по (group, priority).
func (r *SQLiteQueueRepo) EnqueuedStatsByPartition(ctx context.Context) ([]domain.QueueStats, error) {
	w := dispatchableWhere(dialectSQLite, r.opts.now().UnixMicro(), nil, nil)

	rows, err := r.db.QueryContext(ctx, `
		SELECT dataplane_group, priority, COUNT(*)
		FROM workload_queue`+w.String()+`
		GROUP BY dataplane_group, priority
		ORDER BY dataplane_group, priority
	`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.QueueStats
	for rows.Next() {
		var s domain.QueueStats
		if err := rows.Scan(&s.DataplaneGroup, &s.Priority, &s.EnqueuedCount); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// CleanUpAckedEntries удаляет не больше deletionLimit элементов, подтверждённых
// раньше окна retention. Возвращает число удалённых строк.
func (r *SQLiteQueueRepo) CleanUpAckedEntries(ctx context.Context, deletionLimit int) (int, error) {
	if deletionLimit <= 0 {
		return 0, nil
	}
	cutoff := r.opts.now().Add(-r.opts.ackRetention).UnixMicro()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM workload_queue
		WHERE seq IN (
			SELECT seq FROM workload_queue
			WHERE acked_at IS NOT NULL AND acked_at < ?
			ORDER BY acked_at ASC
			LIMIT ?
		)
	`, cutoff, deletionLimit)
	if err != nil {
		return 0, fmt.Errorf("clean up acked entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clean up acked entries: %w", err)
	}
	return int(n), nil
}
