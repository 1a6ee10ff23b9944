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

const aiModelColumns = "id, model_id, name, input_token_cost, output_token_cost, is_default, modalities_json, created_at"

func (s *Store) CreateApp(ctx context.Context, name string, isDefault bool) (App, error) {
	a := App{
		AppID:     uuid.NewString(),
		Name:      name,
		IsDefault: isDefault,
		CreatedAt: time.Now().UTC(),
	}
	q := s.sql.Insert("apps").
		Columns("app_id", "name", "is_default", "created_at").
		Values(a.AppID, a.Name, a.IsDefault, a.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return App{}, fmt.Errorf("build app insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return App{}, fmt.Errorf("insert app: %w", err)
	}
	return s.getApp(ctx, sq.Eq{"app_id": a.AppID})
}

func (s *Store) GetDefaultApp(ctx context.Context) (App, error) {
	return s.getApp(ctx, sq.Eq{"is_default": true})
}

func (s *Store) GetAppByPublicID(ctx context.Context, appID string) (App, error) {
	return s.getApp(ctx, sq.Eq{"app_id": appID})
}

func (s *Store) GetApp(ctx context.Context, id int64) (App, error) {
	return s.getApp(ctx, sq.Eq{"id": id})
}

func (s *Store) getApp(ctx context.Context, where sq.Sqlizer) (App, error) {
	q := s.sql.Select("id", "app_id", "name", "is_default", "created_at").
		From("apps").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return App{}, fmt.Errorf("build app query: %w", err)
	}
	var a App
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&a.ID, &a.AppID, &a.Name, &a.IsDefault, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return App{}, ErrNotFound
		}
		return App{}, fmt.Errorf("get app: %w", err)
	}
	return a, nil
}

func (s *Store) CreateAiModel(ctx context.Context, m AiModel) (AiModel, error) {
	if m.ModalitiesJSON == "" {
		m.ModalitiesJSON = `["text"]`
	}
	m.CreatedAt = time.Now().UTC()
	q := s.sql.Insert("ai_models").
		Columns("model_id", "name", "input_token_cost", "output_token_cost", "is_default", "modalities_json", "created_at").
		Values(m.ModelID, m.Name, m.InputTokenCost, m.OutputTokenCost, m.IsDefault, m.ModalitiesJSON, m.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AiModel{}, fmt.Errorf("build model insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return AiModel{}, fmt.Errorf("insert model: %w", err)
	}
	return s.GetAiModelByModelID(ctx, m.ModelID)
}

func (s *Store) ListAiModels(ctx context.Context) ([]AiModel, error) {
	q := s.sql.Select(aiModelColumns).From("ai_models").OrderBy("id ASC")
	return s.listAiModels(ctx, q)
}

func (s *Store) GetAiModel(ctx context.Context, id int64) (AiModel, error) {
	return s.getAiModel(ctx, s.sql.Select(aiModelColumns).From("ai_models").Where(sq.Eq{"id": id}))
}

func (s *Store) GetAiModelByModelID(ctx context.Context, modelID string) (AiModel, error) {
	return s.getAiModel(ctx, s.sql.Select(aiModelColumns).From("ai_models").Where(sq.Eq{"model_id": modelID}))
}

func (s *Store) GetDefaultAiModel(ctx context.Context) (AiModel, error) {
	return s.getAiModel(ctx, s.sql.Select(aiModelColumns).From("ai_models").Where(sq.Eq{"is_default": true}))
}

// SetDefaultAiModel makes the given model the single default, clearing the
// flag from every other model in the same transaction.
func (s *Store) SetDefaultAiModel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin default model tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clear := s.sql.Update("ai_models").Set("is_default", false).Where(sq.NotEq{"id": id})
	sqlStr, args, err := clear.ToSql()
	if err != nil {
		return fmt.Errorf("build clear defaults query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear model defaults: %w", err)
	}

	set := s.sql.Update("ai_models").Set("is_default", true).Where(sq.Eq{"id": id})
	sqlStr, args, err = set.ToSql()
	if err != nil {
		return fmt.Errorf("build set default query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set model default: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit default model tx: %w", err)
	}
	return nil
}

func (s *Store) AttachAppModel(ctx context.Context, appID, aiModelID int64, isDefault bool) error {
	q := s.sql.Insert("app_ai_models").
		Columns("app_id", "ai_model_id", "is_default", "created_at").
		Values(appID, aiModelID, isDefault, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build app model insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("attach app model: %w", err)
	}
	return nil
}

// SetDefaultAppModel flips the per-app default in one transaction so at most
// one app_ai_models row per app carries the flag.
func (s *Store) SetDefaultAppModel(ctx context.Context, appID, aiModelID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin default app model tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clear := s.sql.Update("app_ai_models").Set("is_default", false).Where(sq.Eq{"app_id": appID})
	sqlStr, args, err := clear.ToSql()
	if err != nil {
		return fmt.Errorf("build clear app defaults query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear app model defaults: %w", err)
	}

	set := s.sql.Update("app_ai_models").Set("is_default", true).Where(sq.Eq{"app_id": appID, "ai_model_id": aiModelID})
	sqlStr, args, err = set.ToSql()
	if err != nil {
		return fmt.Errorf("build set app default query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set app model default: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit default app model tx: %w", err)
	}
	return nil
}

func (s *Store) DefaultAppModel(ctx context.Context, appID int64) (AiModel, error) {
	q := s.sql.Select("m.id", "m.model_id", "m.name", "m.input_token_cost", "m.output_token_cost", "m.is_default", "m.modalities_json", "m.created_at").
		From("app_ai_models am").
		Join("ai_models m ON am.ai_model_id = m.id").
		Where(sq.Eq{"am.app_id": appID, "am.is_default": true})
	return s.getAiModel(ctx, q)
}

// AppModelsByInputCost lists the app's model catalog, cheapest input rate first.
func (s *Store) AppModelsByInputCost(ctx context.Context, appID int64) ([]AiModel, error) {
	q := s.sql.Select("m.id", "m.model_id", "m.name", "m.input_token_cost", "m.output_token_cost", "m.is_default", "m.modalities_json", "m.created_at").
		From("app_ai_models am").
		Join("ai_models m ON am.ai_model_id = m.id").
		Where(sq.Eq{"am.app_id": appID}).
		OrderBy("m.input_token_cost ASC")
	return s.listAiModels(ctx, q)
}

func (s *Store) getAiModel(ctx context.Context, q sq.SelectBuilder) (AiModel, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AiModel{}, fmt.Errorf("build model query: %w", err)
	}
	var m AiModel
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID,
		&m.ModelID,
		&m.Name,
		&m.InputTokenCost,
		&m.OutputTokenCost,
		&m.IsDefault,
		&m.ModalitiesJSON,
		&m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AiModel{}, ErrNotFound
		}
		return AiModel{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

func (s *Store) listAiModels(ctx context.Context, q sq.SelectBuilder) ([]AiModel, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]AiModel, 0)
	for rows.Next() {
		var m AiModel
		if err := rows.Scan(
			&m.ID,
			&m.ModelID,
			&m.Name,
			&m.InputTokenCost,
			&m.OutputTokenCost,
			&m.IsDefault,
			&m.ModalitiesJSON,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}
