package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// InsertBillingEvent appends the raw webhook body; events are never updated
// or deleted.
func (s *Store) InsertBillingEvent(ctx context.Context, rawEvent []byte) error {
	q := s.sql.Insert("billing_events").
		Columns("raw_event", "created_at").
		Values(string(rawEvent), time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build billing event insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert billing event: %w", err)
	}
	return nil
}

func (s *Store) ListBillingEvents(ctx context.Context) ([]BillingEvent, error) {
	q := s.sql.Select("id", "raw_event", "created_at").
		From("billing_events").
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list billing events query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	defer rows.Close()

	out := make([]BillingEvent, 0)
	for rows.Next() {
		var e BillingEvent
		if err := rows.Scan(&e.ID, &e.RawEvent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan billing event row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate billing event rows: %w", err)
	}
	return out, nil
}

// SetSubscriptionLevel is the billing write path for a user's tier. The tier
// is never written from client-controlled requests.
func (s *Store) SetSubscriptionLevel(ctx context.Context, id int64, level int) error {
	q := s.sql.Update("user_accounts").
		Set("subscription_level", level).
		Set("modified_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build subscription level update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update subscription level: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
