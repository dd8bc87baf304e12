package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"call-processing/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Store over database/sql with the pgx stdlib driver.
//
// Row-exclusive locks (SELECT ... FOR UPDATE) on the calls table are the sole
// cross-call synchronization primitive; see GetCallForUpdate.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (s *Postgres) GetCallSnapshot(ctx context.Context, callID string) (CallSnapshot, bool, error) {
	const q = `
SELECT c.call_id, c.state, c.last_sequence, c.created_at, c.updated_at,
       (SELECT COUNT(*) FROM call_packets p WHERE p.call_id = c.call_id)
FROM calls c
WHERE c.call_id = $1
`
	var snap CallSnapshot
	if err := s.db.QueryRowContext(ctx, q, callID).Scan(
		&snap.Call.CallID,
		&snap.Call.State,
		&snap.Call.LastSequence,
		&snap.Call.CreatedAt,
		&snap.Call.UpdatedAt,
		&snap.PacketCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSnapshot{}, false, nil
		}
		return CallSnapshot{}, false, err
	}

	r, ok, err := s.GetAIResult(ctx, callID)
	if err != nil {
		return CallSnapshot{}, false, err
	}
	if ok {
		snap.HasAIResult = true
		snap.AIResult = &r
	}
	return snap, true, nil
}

func (s *Postgres) GetAIResult(ctx context.Context, callID string) (AIResult, bool, error) {
	const q = `
SELECT call_id, transcript, sentiment, status, retry_count, last_retry_at, completed_at, error_message
FROM call_ai_results
WHERE call_id = $1
`
	var r AIResult
	if err := s.db.QueryRowContext(ctx, q, callID).Scan(
		&r.CallID,
		&r.Transcript,
		&r.Sentiment,
		&r.Status,
		&r.RetryCount,
		&r.LastRetryAt,
		&r.CompletedAt,
		&r.ErrorMessage,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AIResult{}, false, nil
		}
		return AIResult{}, false, err
	}
	return r, true, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetCallForUpdate(ctx context.Context, callID string) (Call, bool, error) {
	// Lock the call row to serialize concurrent work on the same call.
	// Other calls are unaffected; the lock is released at commit/rollback.
	const q = `
SELECT call_id, state, last_sequence, created_at, updated_at
FROM calls
WHERE call_id = $1
FOR UPDATE
`
	var c Call
	if err := t.tx.QueryRowContext(ctx, q, callID).Scan(
		&c.CallID,
		&c.State,
		&c.LastSequence,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, false, nil
		}
		return Call{}, false, err
	}
	return c, true, nil
}

func (t *pgTx) CreateCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (call_id, state, last_sequence, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := t.tx.ExecContext(ctx, q,
		c.CallID,
		string(c.State),
		c.LastSequence,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if isUniqueViolation(err, "calls_pkey") {
		return ErrCallExists
	}
	return err
}

func (t *pgTx) InsertPacket(ctx context.Context, p Packet) error {
	const q = `
INSERT INTO call_packets (call_id, sequence, data, timestamp, received_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := t.tx.ExecContext(ctx, q,
		p.CallID,
		p.Sequence,
		p.Data,
		p.Timestamp,
		p.ReceivedAt,
	)
	if isUniqueViolation(err, "uq_call_sequence") {
		return ErrDuplicatePacket
	}
	return err
}

func (t *pgTx) UpdateCall(ctx context.Context, callID string, upd CallUpdate) error {
	const q = `
UPDATE calls
SET state = COALESCE($2, state),
    last_sequence = COALESCE($3, last_sequence),
    updated_at = $4
WHERE call_id = $1
`
	var state any
	if upd.State != nil {
		state = string(*upd.State)
	}
	var lastSeq any
	if upd.LastSequence != nil {
		lastSeq = *upd.LastSequence
	}

	res, err := t.tx.ExecContext(ctx, q, callID, state, lastSeq, upd.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: update of missing call %q", callID)
	}
	return nil
}

func (t *pgTx) UpsertAIResult(ctx context.Context, r AIResult) error {
	const q = `
INSERT INTO call_ai_results (call_id, transcript, sentiment, status, retry_count, last_retry_at, completed_at, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (call_id)
DO UPDATE SET transcript = EXCLUDED.transcript,
              sentiment = EXCLUDED.sentiment,
              status = EXCLUDED.status,
              retry_count = EXCLUDED.retry_count,
              last_retry_at = EXCLUDED.last_retry_at,
              completed_at = EXCLUDED.completed_at,
              error_message = EXCLUDED.error_message
`
	_, err := t.tx.ExecContext(ctx, q,
		r.CallID,
		r.Transcript,
		r.Sentiment,
		string(r.Status),
		r.RetryCount,
		r.LastRetryAt,
		r.CompletedAt,
		r.ErrorMessage,
	)
	return err
}

func (t *pgTx) ListPacketData(ctx context.Context, callID string) ([]string, error) {
	const q = `
SELECT data
FROM call_packets
WHERE call_id = $1
ORDER BY sequence ASC
`
	rows, err := t.tx.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), optionally narrowed to a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

var _ Store = (*Postgres)(nil)
