package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const insertCall = `
INSERT INTO relay_calls (
	call_id, stream_sid, call_sid, account_sid, started_at, ended_at, end_reason, greeting_sent,
	frames_forwarded, frames_buffered, frames_dropped, frames_out_of_order, malformed_events,
	audio_deltas, deltas_dropped, marks_sent, marks_acked, barge_ins, outbound_dropped
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (call_id) DO NOTHING`

// PostgresStore writes call records through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RecordCall inserts rec. Recording the same call twice keeps the first row.
func (s *PostgresStore) RecordCall(ctx context.Context, rec CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if strings.TrimSpace(rec.CallID) == "" {
		return fmt.Errorf("call id is required")
	}
	if rec.StartedAt.IsZero() || rec.EndedAt.IsZero() {
		return fmt.Errorf("call %s: start and end times are required", rec.CallID)
	}
	_, err := s.pool.Exec(ctx, insertCall,
		rec.CallID, rec.StreamSID, rec.CallSID, rec.AccountSID,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.EndReason, rec.GreetingSent,
		rec.FramesForwarded, rec.FramesBuffered, rec.FramesDropped, rec.FramesOutOfOrder, rec.MalformedEvents,
		rec.AudioDeltas, rec.DeltasDropped, rec.MarksSent, rec.MarksAcked, rec.BargeIns, rec.OutboundDropped,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", rec.CallID, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
