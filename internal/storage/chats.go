package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const (
	botColumns     = "id, bot_id, user_id, app_id, ai_model_id, name, system_prompt, response_length, restrict_language, restrict_adult_topics, deleted_at, created_at, modified_at"
	chatColumns    = "id, chat_id, user_id, profile_id, bot_id, title, input_tokens, output_tokens, created_at, modified_at"
	messageColumns = "id, message_id, chat_id, role, ord, text, input_tokens, output_tokens, image_filename, created_at"
)

func (s *Store) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	b.BotID = uuid.NewString()
	if b.ResponseLength <= 0 {
		b.ResponseLength = 200
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.ModifiedAt = now
	q := s.sql.Insert("bots").
		Columns("bot_id", "user_id", "app_id", "ai_model_id", "name", "system_prompt", "response_length", "restrict_language", "restrict_adult_topics", "created_at", "modified_at").
		Values(b.BotID, b.UserID, b.AppID, b.AiModelID, b.Name, b.SystemPrompt, b.ResponseLength, b.RestrictLanguage, b.RestrictAdultTopics, b.CreatedAt, b.ModifiedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build bot insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Bot{}, fmt.Errorf("insert bot: %w", err)
	}
	return s.GetBotByPublicID(ctx, b.BotID)
}

func (s *Store) GetBot(ctx context.Context, id int64) (Bot, error) {
	return s.getBot(ctx, sq.Eq{"id": id})
}

func (s *Store) GetBotByPublicID(ctx context.Context, botID string) (Bot, error) {
	return s.getBot(ctx, sq.Eq{"bot_id": botID})
}

func (s *Store) getBot(ctx context.Context, where sq.Sqlizer) (Bot, error) {
	q := s.sql.Select(botColumns).From("bots").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build bot query: %w", err)
	}
	var b Bot
	var userID, modelID sql.NullInt64
	var deletedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&b.ID,
		&b.BotID,
		&userID,
		&b.AppID,
		&modelID,
		&b.Name,
		&b.SystemPrompt,
		&b.ResponseLength,
		&b.RestrictLanguage,
		&b.RestrictAdultTopics,
		&deletedAt,
		&b.CreatedAt,
		&b.ModifiedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	if userID.Valid {
		b.UserID = &userID.Int64
	}
	if modelID.Valid {
		b.AiModelID = &modelID.Int64
	}
	if deletedAt.Valid {
		b.DeletedAt = &deletedAt.Time
	}
	return b, nil
}

func (s *Store) ListBots(ctx context.Context, userID int64) ([]Bot, error) {
	q := s.sql.Select(botColumns).
		From("bots").
		Where(sq.Eq{"user_id": userID, "deleted_at": nil}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]Bot, 0)
	for rows.Next() {
		var b Bot
		var uid, modelID sql.NullInt64
		var deletedAt sql.NullTime
		if err := rows.Scan(
			&b.ID,
			&b.BotID,
			&uid,
			&b.AppID,
			&modelID,
			&b.Name,
			&b.SystemPrompt,
			&b.ResponseLength,
			&b.RestrictLanguage,
			&b.RestrictAdultTopics,
			&deletedAt,
			&b.CreatedAt,
			&b.ModifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		if uid.Valid {
			b.UserID = &uid.Int64
		}
		if modelID.Valid {
			b.AiModelID = &modelID.Int64
		}
		if deletedAt.Valid {
			b.DeletedAt = &deletedAt.Time
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateBot(ctx context.Context, b Bot) error {
	q := s.sql.Update("bots").
		Set("ai_model_id", b.AiModelID).
		Set("name", b.Name).
		Set("system_prompt", b.SystemPrompt).
		Set("response_length", b.ResponseLength).
		Set("restrict_language", b.RestrictLanguage).
		Set("restrict_adult_topics", b.RestrictAdultTopics).
		Set("modified_at", time.Now().UTC()).
		Where(sq.Eq{"id": b.ID, "deleted_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build bot update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SoftDeleteBot(ctx context.Context, userID int64, botID string) error {
	q := s.sql.Update("bots").
		Set("deleted_at", time.Now().UTC()).
		Where(sq.Eq{"user_id": userID, "bot_id": botID, "deleted_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build bot delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("soft delete bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateChat(ctx context.Context, c Chat) (Chat, error) {
	c.ChatID = uuid.NewString()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.ModifiedAt = now
	if len([]rune(c.Title)) > 100 {
		c.Title = string([]rune(c.Title)[:100])
	}
	q := s.sql.Insert("chats").
		Columns("chat_id", "user_id", "profile_id", "bot_id", "title", "input_tokens", "output_tokens", "created_at", "modified_at").
		Values(c.ChatID, c.UserID, c.ProfileID, c.BotID, c.Title, c.InputTokens, c.OutputTokens, c.CreatedAt, c.ModifiedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build chat insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return s.GetChatByPublicID(ctx, c.ChatID)
}

func (s *Store) GetChat(ctx context.Context, id int64) (Chat, error) {
	return s.getChat(ctx, sq.Eq{"id": id})
}

func (s *Store) GetChatByPublicID(ctx context.Context, chatID string) (Chat, error) {
	return s.getChat(ctx, sq.Eq{"chat_id": chatID})
}

func (s *Store) getChat(ctx context.Context, where sq.Sqlizer) (Chat, error) {
	q := s.sql.Select(chatColumns).From("chats").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build chat query: %w", err)
	}
	var c Chat
	var profileID, botID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.ChatID,
		&c.UserID,
		&profileID,
		&botID,
		&c.Title,
		&c.InputTokens,
		&c.OutputTokens,
		&c.CreatedAt,
		&c.ModifiedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if profileID.Valid {
		c.ProfileID = &profileID.Int64
	}
	if botID.Valid {
		c.BotID = &botID.Int64
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID int64, profileID *int64) ([]Chat, error) {
	where := sq.And{sq.Eq{"user_id": userID}}
	if profileID != nil {
		where = append(where, sq.Eq{"profile_id": *profileID})
	}
	q := s.sql.Select(chatColumns).
		From("chats").
		Where(where).
		OrderBy("id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		var pid, bid sql.NullInt64
		if err := rows.Scan(
			&c.ID,
			&c.ChatID,
			&c.UserID,
			&pid,
			&bid,
			&c.Title,
			&c.InputTokens,
			&c.OutputTokens,
			&c.CreatedAt,
			&c.ModifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if pid.Valid {
			c.ProfileID = &pid.Int64
		}
		if bid.Valid {
			c.BotID = &bid.Int64
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// AddChatTokens accumulates reply usage onto the chat and bumps modified_at,
// which is the activity marker the daily cost window filters on.
func (s *Store) AddChatTokens(ctx context.Context, chatID, inputTokens, outputTokens int64, now time.Time) error {
	q := s.sql.Update("chats").
		Set("input_tokens", sq.Expr("input_tokens + ?", inputTokens)).
		Set("output_tokens", sq.Expr("output_tokens + ?", outputTokens)).
		Set("modified_at", now.UTC()).
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add tokens query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("add chat tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m Message) (Message, error) {
	m.MessageID = uuid.NewString()
	if m.Role == "" {
		m.Role = RoleUser
	}
	m.CreatedAt = time.Now().UTC()
	q := s.sql.Insert("messages").
		Columns("message_id", "chat_id", "role", "ord", "text", "input_tokens", "output_tokens", "image_filename", "created_at").
		Values(m.MessageID, m.ChatID, m.Role, m.Ord, m.Text, m.InputTokens, m.OutputTokens, m.ImageFilename, m.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return s.getMessage(ctx, sq.Eq{"message_id": m.MessageID})
}

func (s *Store) getMessage(ctx context.Context, where sq.Sqlizer) (Message, error) {
	q := s.sql.Select(messageColumns).From("messages").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message query: %w", err)
	}
	var m Message
	var image sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID,
		&m.MessageID,
		&m.ChatID,
		&m.Role,
		&m.Ord,
		&m.Text,
		&m.InputTokens,
		&m.OutputTokens,
		&image,
		&m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if image.Valid {
		m.ImageFilename = &image.String
	}
	return m, nil
}

func (s *Store) CountMessages(ctx context.Context, chatID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RecentMessages returns the newest non-system messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, chatID int64, limit uint64) ([]Message, error) {
	q := s.sql.Select(messageColumns).
		From("messages").
		Where(sq.And{sq.Eq{"chat_id": chatID}, sq.NotEq{"role": RoleSystem}}).
		OrderBy("id DESC").
		Limit(limit)
	return s.listMessages(ctx, q)
}

// ListMessages returns the chat transcript (non-system) in chronological order.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	q := s.sql.Select(messageColumns).
		From("messages").
		Where(sq.And{sq.Eq{"chat_id": chatID}, sq.NotEq{"role": RoleSystem}}).
		OrderBy("id ASC")
	return s.listMessages(ctx, q)
}

func (s *Store) listMessages(ctx context.Context, q sq.SelectBuilder) ([]Message, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var image sql.NullString
		if err := rows.Scan(
			&m.ID,
			&m.MessageID,
			&m.ChatID,
			&m.Role,
			&m.Ord,
			&m.Text,
			&m.InputTokens,
			&m.OutputTokens,
			&image,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if image.Valid {
			m.ImageFilename = &image.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
