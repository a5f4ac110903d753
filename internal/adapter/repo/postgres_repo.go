package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKey struct{}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx, tx)
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresTicketStore — тикеты в Postgres; Claim опирается на первичный ключ request_id.
type PostgresTicketStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresTicketStore(pool *pgxpool.Pool) *PostgresTicketStore {
	return &PostgresTicketStore{Pool: pool}
}

func (r *PostgresTicketStore) Get(ctx context.Context, requestID string) (domain.Ticket, error) {
	var t domain.Ticket
	err := r.Pool.QueryRow(ctx, `SELECT request_id, external_id, status, approver, created_at, updated_at
        FROM tickets WHERE request_id = $1`, requestID).
		Scan(&t.RequestID, &t.ExternalID, &t.Status, &t.Approver, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return t, err
}

func (r *PostgresTicketStore) Claim(ctx context.Context, t domain.Ticket) (domain.Ticket, bool, error) {
	tag, err := r.Pool.Exec(ctx, `INSERT INTO tickets(request_id, external_id, status, approver, created_at, updated_at)
        VALUES($1, $2, $3, $4, $5, $6)
        ON CONFLICT (request_id) DO NOTHING`,
		t.RequestID, t.ExternalID, t.Status, t.Approver, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Ticket{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return t, true, nil
	}
	existing, err := r.Get(ctx, t.RequestID)
	return existing, false, err
}

func (r *PostgresTicketStore) Update(ctx context.Context, t domain.Ticket) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE tickets SET external_id = $2, status = $3, approver = $4, updated_at = $5
        WHERE request_id = $1`,
		t.RequestID, t.ExternalID, t.Status, t.Approver, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PostgresExecutionStore — контексты выполнения. Строка живёт и после завершения
// (finished = true), поэтому повторное событие по тому же запросу отклоняется ключом.
type PostgresExecutionStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresExecutionStore(pool *pgxpool.Pool) *PostgresExecutionStore {
	return &PostgresExecutionStore{Pool: pool}
}

func (r *PostgresExecutionStore) Create(ctx context.Context, e domain.ExecutionContext) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO executions(request_id, payload, version, finished, created_at)
        VALUES($1, $2, $3, false, $4)`, e.RequestID, raw, e.Version, e.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrExecutionExists
	}
	return err
}

func (r *PostgresExecutionStore) Get(ctx context.Context, requestID string) (domain.ExecutionContext, error) {
	var raw []byte
	err := r.Pool.QueryRow(ctx, `SELECT payload FROM executions WHERE request_id = $1 AND NOT finished`, requestID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionContext{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	var e domain.ExecutionContext
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.ExecutionContext{}, fmt.Errorf("decode execution %s: %w", requestID, err)
	}
	return e, nil
}

func (r *PostgresExecutionStore) Save(ctx context.Context, e *domain.ExecutionContext) error {
	next := *e
	next.Version++
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE executions SET payload = $2, version = $3
        WHERE request_id = $1 AND version = $4 AND NOT finished`,
		e.RequestID, raw, next.Version, e.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missing(ctx, e.RequestID)
	}
	e.Version = next.Version
	return nil
}

func (r *PostgresExecutionStore) Finish(ctx context.Context, e domain.ExecutionContext, o domain.Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return withTx(ctx, r.Pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executions SET finished = true, payload = '{}'::jsonb, version = version + 1
            WHERE request_id = $1 AND version = $2 AND NOT finished`, e.RequestID, e.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.missing(ctx, e.RequestID)
		}
		_, err = tx.Exec(ctx, `INSERT INTO outcomes(request_id, payload, finished_at) VALUES($1, $2, $3)`,
			o.RequestID, raw, o.FinishedAt)
		return err
	})
}

// missing tells a stale version from an unknown request.
func (r *PostgresExecutionStore) missing(ctx context.Context, requestID string) error {
	var exists bool
	if err := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE request_id = $1)`, requestID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return domain.ErrVersionConflict
	}
	return domain.ErrNotFound
}

func (r *PostgresExecutionStore) Outcome(ctx context.Context, requestID string) (domain.Outcome, error) {
	var raw []byte
	err := r.Pool.QueryRow(ctx, `SELECT payload FROM outcomes WHERE request_id = $1`, requestID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Outcome{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	var o domain.Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.Outcome{}, fmt.Errorf("decode outcome %s: %w", requestID, err)
	}
	return o, nil
}

func (r *PostgresExecutionStore) ListLive(ctx context.Context) ([]domain.ExecutionContext, error) {
	rows, err := r.Pool.Query(ctx, `SELECT payload FROM executions WHERE NOT finished ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExecutionContext
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e domain.ExecutionContext
		if err := json.Unmarshal(raw, &e); err != nil {
			// битую запись пропускаем, остальные выполнения восстанавливаются
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresReportLedger — отметки об отправке решения в каталог.
type PostgresReportLedger struct {
	Pool *pgxpool.Pool
}

func NewPostgresReportLedger(pool *pgxpool.Pool) *PostgresReportLedger {
	return &PostgresReportLedger{Pool: pool}
}

func (r *PostgresReportLedger) ClaimReport(ctx context.Context, requestID string, d domain.Decision) (bool, error) {
	tag, err := r.Pool.Exec(ctx, `INSERT INTO reports(request_id, decision, completed) VALUES($1, $2, false)
        ON CONFLICT (request_id) DO NOTHING`, requestID, d)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresReportLedger) CompleteReport(ctx context.Context, requestID string) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE reports SET completed = true WHERE request_id = $1`, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresReportLedger) ReportCompleted(ctx context.Context, requestID string) (bool, error) {
	var done bool
	err := r.Pool.QueryRow(ctx, `SELECT completed FROM reports WHERE request_id = $1`, requestID).Scan(&done)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return done, err
}

// AdvisoryGate — межпроцессный замок на обращения к системе тикетов.
type AdvisoryGate struct {
	Pool *pgxpool.Pool
	Key  int64
}

func (g *AdvisoryGate) Acquire(ctx context.Context) (func(), error) {
	conn, err := g.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, g.Key); err != nil {
		conn.Release()
		return nil, err
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, g.Key)
		conn.Release()
	}, nil
}

var (
	_ domain.TicketStore    = (*PostgresTicketStore)(nil)
	_ domain.ExecutionStore = (*PostgresExecutionStore)(nil)
	_ domain.ReportLedger   = (*PostgresReportLedger)(nil)
	_ domain.Gate           = (*AdvisoryGate)(nil)
)

// EnsureSchema — создать необходимые таблицы, если отсутствуют.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tickets (
  request_id text PRIMARY KEY,
  external_id text NOT NULL DEFAULT '',
  status text NOT NULL,
  approver text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
  request_id text PRIMARY KEY,
  payload jsonb NOT NULL,
  version bigint NOT NULL,
  finished boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
  request_id text PRIMARY KEY,
  payload jsonb NOT NULL,
  finished_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS reports (
  request_id text PRIMARY KEY,
  decision text NOT NULL,
  completed boolean NOT NULL DEFAULT false
);`)
	return err
}
