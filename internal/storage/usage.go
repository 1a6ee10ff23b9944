package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SumChatTokens totals the token rollups of a user's chats active since the
// given UTC instant. A non-nil aiModelID restricts to chats whose bot uses
// that model; nil selects chats with no bot (or a bot with no explicit model),
// which are billed at the default model's rate.
func (s *Store) SumChatTokens(ctx context.Context, userID int64, aiModelID *int64, since time.Time) (inputTokens, outputTokens int64, err error) {
	q := s.sql.Select("COALESCE(SUM(c.input_tokens), 0)", "COALESCE(SUM(c.output_tokens), 0)").
		From("chats c").
		LeftJoin("bots b ON c.bot_id = b.id").
		Where(sq.Eq{"c.user_id": userID}).
		Where(sq.GtOrEq{"c.modified_at": since.UTC()})
	if aiModelID != nil {
		q = q.Where(sq.Eq{"b.ai_model_id": *aiModelID})
	} else {
		q = q.Where(sq.Or{sq.Eq{"c.bot_id": nil}, sq.Eq{"b.ai_model_id": nil}})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, 0, fmt.Errorf("build token sum query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&inputTokens, &outputTokens); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("sum chat tokens: %w", err)
	}
	return inputTokens, outputTokens, nil
}

// InsertUsageLimitHit appends an audit row; hits are never updated or deleted.
func (s *Store) InsertUsageLimitHit(ctx context.Context, hit UsageLimitHit) error {
	q := s.sql.Insert("usage_limit_hits").
		Columns("user_account_id", "subscription_level", "total_input_tokens", "total_output_tokens", "created_at").
		Values(hit.UserAccountID, hit.SubscriptionLevel, hit.TotalInputTokens, hit.TotalOutputTokens, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build limit hit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert limit hit: %w", err)
	}
	return nil
}

func (s *Store) ListUsageLimitHits(ctx context.Context, userAccountID int64) ([]UsageLimitHit, error) {
	q := s.sql.Select("id", "user_account_id", "subscription_level", "total_input_tokens", "total_output_tokens", "created_at").
		From("usage_limit_hits").
		Where(sq.Eq{"user_account_id": userAccountID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list limit hits query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list limit hits: %w", err)
	}
	defer rows.Close()

	out := make([]UsageLimitHit, 0)
	for rows.Next() {
		var h UsageLimitHit
		if err := rows.Scan(&h.ID, &h.UserAccountID, &h.SubscriptionLevel, &h.TotalInputTokens, &h.TotalOutputTokens, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan limit hit row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate limit hit rows: %w", err)
	}
	return out, nil
}
