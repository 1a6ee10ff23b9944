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

var ErrNotFound = errors.New("not found")

func (s *Store) CreateUserAccount(ctx context.Context, email, timezone string) (UserAccount, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	now := time.Now().UTC()
	a := UserAccount{
		AccountID:  uuid.NewString(),
		Email:      email,
		Timezone:   timezone,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	q := s.sql.Insert("user_accounts").
		Columns("account_id", "email", "subscription_level", "timezone", "created_at", "modified_at").
		Values(a.AccountID, a.Email, a.SubscriptionLevel, a.Timezone, a.CreatedAt, a.ModifiedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserAccount{}, fmt.Errorf("build account insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return UserAccount{}, fmt.Errorf("insert account: %w", err)
	}
	return s.GetUserAccountByEmail(ctx, email)
}

func (s *Store) GetUserAccount(ctx context.Context, id int64) (UserAccount, error) {
	return s.getUserAccount(ctx, sq.Eq{"id": id})
}

func (s *Store) GetUserAccountByEmail(ctx context.Context, email string) (UserAccount, error) {
	return s.getUserAccount(ctx, sq.Eq{"email": email})
}

func (s *Store) GetUserAccountByPublicID(ctx context.Context, accountID string) (UserAccount, error) {
	return s.getUserAccount(ctx, sq.Eq{"account_id": accountID})
}

func (s *Store) getUserAccount(ctx context.Context, where sq.Sqlizer) (UserAccount, error) {
	q := s.sql.Select("id", "account_id", "email", "subscription_level", "timezone", "pin", "created_at", "modified_at").
		From("user_accounts").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserAccount{}, fmt.Errorf("build account query: %w", err)
	}

	var a UserAccount
	var pin sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&a.ID,
		&a.AccountID,
		&a.Email,
		&a.SubscriptionLevel,
		&a.Timezone,
		&pin,
		&a.CreatedAt,
		&a.ModifiedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserAccount{}, ErrNotFound
		}
		return UserAccount{}, fmt.Errorf("get account: %w", err)
	}
	if pin.Valid {
		a.PIN = &pin.Int64
	}
	return a, nil
}

func (s *Store) UpdateUserAccount(ctx context.Context, id int64, subscriptionLevel int, timezone string, pin *int64) error {
	q := s.sql.Update("user_accounts").
		Set("subscription_level", subscriptionLevel).
		Set("timezone", timezone).
		Set("pin", pin).
		Set("modified_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build account update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateDevice(ctx context.Context, userID int64, encPushToken string, notifyOnNewChat, notifyOnNewMessage bool) (Device, error) {
	d := Device{
		DeviceID:           uuid.NewString(),
		UserID:             userID,
		EncPushToken:       encPushToken,
		NotifyOnNewChat:    notifyOnNewChat,
		NotifyOnNewMessage: notifyOnNewMessage,
		CreatedAt:          time.Now().UTC(),
	}
	q := s.sql.Insert("devices").
		Columns("device_id", "user_id", "enc_push_token", "notify_on_new_chat", "notify_on_new_message", "created_at").
		Values(d.DeviceID, d.UserID, d.EncPushToken, d.NotifyOnNewChat, d.NotifyOnNewMessage, d.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Device{}, fmt.Errorf("build device insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Device{}, fmt.Errorf("insert device: %w", err)
	}
	return d, nil
}

func (s *Store) ActiveDevicesForUser(ctx context.Context, userID int64) ([]Device, error) {
	q := s.sql.Select("id", "device_id", "user_id", "enc_push_token", "notify_on_new_chat", "notify_on_new_message", "created_at").
		From("devices").
		Where(sq.Eq{"user_id": userID, "deleted_at": nil}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list devices query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]Device, 0)
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.UserID, &d.EncPushToken, &d.NotifyOnNewChat, &d.NotifyOnNewMessage, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func (s *Store) SoftDeleteDevice(ctx context.Context, userID int64, deviceID string) error {
	q := s.sql.Update("devices").
		Set("deleted_at", time.Now().UTC()).
		Where(sq.Eq{"user_id": userID, "device_id": deviceID, "deleted_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build device delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("soft delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateProfile(ctx context.Context, userID int64, name string) (Profile, error) {
	p := Profile{
		ProfileID: uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	q := s.sql.Insert("profiles").
		Columns("profile_id", "user_id", "name", "created_at").
		Values(p.ProfileID, p.UserID, p.Name, p.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build profile insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return s.GetProfileByPublicID(ctx, p.ProfileID)
}

func (s *Store) GetProfile(ctx context.Context, id int64) (Profile, error) {
	return s.getProfile(ctx, sq.Eq{"id": id})
}

func (s *Store) GetProfileByPublicID(ctx context.Context, profileID string) (Profile, error) {
	return s.getProfile(ctx, sq.Eq{"profile_id": profileID})
}

func (s *Store) getProfile(ctx context.Context, where sq.Sqlizer) (Profile, error) {
	q := s.sql.Select("id", "profile_id", "user_id", "name", "created_at").
		From("profiles").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build profile query: %w", err)
	}
	var p Profile
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.ProfileID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context, userID int64) ([]Profile, error) {
	q := s.sql.Select("id", "profile_id", "user_id", "name", "created_at").
		From("profiles").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list profiles query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]Profile, 0)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.ProfileID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile rows: %w", err)
	}
	return out, nil
}
