package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

var _ QueueStore = (*QueueRepo)(nil)

// QueueRepo — очередь с арендой в Postgres.
//
// Эксклюзивность выдачи держится на FOR UPDATE SKIP LOCKED: параллельный
// poll пропускает строки, уже захваченные другой транзакцией, и не ждёт их.
type QueueRepo struct {
	pool *pgxpool.Pool
	opts options
}

// NewQueueRepo создаёт новый QueueRepo.
func NewQueueRepo(pool *pgxpool.Pool, opts ...Option) *QueueRepo {
	return &QueueRepo{pool: pool, opts: newOptions(opts)}
}

// Enqueue создаёт элемент очереди для workload. Элемент сразу доступен для poll.
func (r *QueueRepo) Enqueue(ctx context.Context, workloadID, dataplaneGroup string, priority int) (*domain.QueueItem, error) {
	item := newQueueItem(workloadID, dataplaneGroup, priority, r.opts.now())
	if err := insertPgQueueItem(ctx, r.pool, item); err != nil {
		return nil, err
	}
	return item, nil
}

func insertPgQueueItem(ctx context.Context, q pgQuerier, item *domain.QueueItem) error {
	_, err := q.Exec(ctx, `
		INSERT INTO workload_queue (id, workload_id, dataplane_group, priority, poll_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		item.ID,
		item.WorkloadID,
		item.DataplaneGroup,
		item.Priority,
		item.PollDeadline,
		item.CreatedAt,
		item.UpdatedAt,
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
func (r *QueueRepo) Poll(ctx context.Context, params PollParams) ([]domain.Workload, error) {
	params = params.withDefaults()
	now := r.opts.now()
	leaseUntil := now.Add(params.LeaseDuration)

	w := dispatchableWhere(dialectPostgres, now, params.DataplaneGroup, params.Priority)
	limit := w.arg(params.Quantity)
	leaseArg := w.arg(leaseUntil)
	nowArg := w.arg(now)

	query := `
		WITH picked AS (
			SELECT id FROM workload_queue` + w.String() + `
			ORDER BY created_at ASC, seq ASC
			LIMIT ` + limit + `
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workload_queue q
		SET poll_deadline = ` + leaseArg + `, updated_at = ` + nowArg + `
		FROM picked
		WHERE q.id = picked.id
		RETURNING q.workload_id, q.created_at, q.seq
	`

	var result []domain.Workload
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, w.args...)
		if err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}
		refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (polledRef, error) {
			var ref polledRef
			err := row.Scan(&ref.workloadID, &ref.createdAt, &ref.seq)
			return ref, err
		})
		if err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}
		if len(refs) == 0 {
			return nil
		}
		sortPolled(refs)

		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.workloadID
		}
		workloads, err := listPgWorkloads(ctx, tx, `
			SELECT `+workloadColumns+` FROM workloads WHERE id = ANY($1)
		`, ids)
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
func (r *QueueRepo) Ack(ctx context.Context, workloadID string) error {
	now := r.opts.now()
	_, err := r.pool.Exec(ctx, `
		UPDATE workload_queue
		SET acked_at = $2, updated_at = $2
		WHERE workload_id = $1 AND acked_at IS NULL
	`, workloadID, now)
	if err != nil {
		return fmt.Errorf("ack workload %q: %w", workloadID, err)
	}
	return nil
}

// GetItem возвращает элемент очереди по workload id.
func (r *QueueRepo) GetItem(ctx context.Context, workloadID string) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := r.pool.QueryRow(ctx, `
		SELECT id, workload_id, dataplane_group, priority, poll_deadline, acked_at, created_at, updated_at
		FROM workload_queue
		WHERE workload_id = $1
	`, workloadID).Scan(
		&item.ID,
		&item.WorkloadID,
		&item.DataplaneGroup,
		&item.Priority,
		&item.PollDeadline,
		&item.AckedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}

	item.PollDeadline = item.PollDeadline.UTC()
	item.AckedAt = utcPtr(item.AckedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

// CountEnqueued считает доступные к выдаче элементы (не подтверждённые и не арендованные).
func (r *QueueRepo) CountEnqueued(ctx context.Context, dataplaneGroup *string, priority *int) (int, error) {
	w := dispatchableWhere(dialectPostgres, r.opts.now(), dataplaneGroup, priority)

	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workload_queue`+w.String(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count enqueued: %w", err)
	}
	return count, nil
}

// EnqueuedStatsByPartition возвращает число доступных элементов по (group, priority).
func (r *QueueRepo) EnqueuedStatsByPartition(ctx context.Context) ([]domain.QueueStats, error) {
	w := dispatchableWhere(dialectPostgres, r.opts.now(), nil, nil)

	rows, err := r.pool.Query(ctx, `
		SELECT dataplane_group, priority, COUNT(*)
		FROM workload_queue`+w.String()+`
		GROUP BY dataplane_group, priority
		ORDER BY dataplane_group, priority
	`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.QueueStats, error) {
		var s domain.QueueStats
		err := row.Scan(&s.DataplaneGroup, &s.Priority, &s.EnqueuedCount)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// CleanUpAckedEntries удаляет не больше deletionLimit элементов, подтверждённых
// раньше окна retention. Возвращает число удалённых строк.
func (r *QueueRepo) CleanUpAckedEntries(ctx context.Context, deletionLimit int) (int, error) {
	if deletionLimit <= 0 {
		return 0, nil
	}
	cutoff := r.opts.now().Add(-r.opts.ackRetention)

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM workload_queue
		WHERE id IN (
			SELECT id FROM workload_queue
			WHERE acked_at IS NOT NULL AND acked_at < $1
			ORDER BY acked_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, deletionLimit)
	if err != nil {
		return 0, fmt.Errorf("clean up acked entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
