package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/xid"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository"
)

// compile-time check that *Store implements repository.UserRepository
var _ repository.UserRepository = (*Store)(nil)

var userColumns = []string{
	"id", "email", "name", "password_hash", "role", "disabled",
	"wakatime_access_token", "wakatime_refresh_token", "wakatime_token_expires_at",
	"created_at", "updated_at",
}

// CreateUser inserts a new user. The ID is generated here, so callers get the
// canonical record back through the pointer.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Role == "" {
		user.Role = model.RoleNone
	}

	query, args, err := s.sb.Insert("users").
		Columns(userColumns...).
		Values(
			user.ID, user.Email, user.Name, user.PasswordHash, string(user.Role), user.Disabled,
			user.WakaTimeAccessToken, user.WakaTimeRefreshToken, utcPtr(user.WakaTimeExpiresAt),
			user.CreatedAt, user.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlstore: building user insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("sqlstore: inserting user %s: %w", user.Email, err)
	}

	return nil
}

// GetUserByID returns apperror.ErrNotFound if no user exists with that ID.
func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, sq.Eq{"id": id}, id)
}

// GetUserByEmail expects an already normalized (lower-cased) email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, sq.Eq{"email": email}, email)
}

func (s *Store) getUser(ctx context.Context, where sq.Eq, key string) (*model.User, error) {
	query, args, err := s.sb.Select(userColumns...).From("users").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: building user select: %w", err)
	}

	var (
		u    model.User
		role string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&role,
		&u.Disabled,
		&u.WakaTimeAccessToken,
		&u.WakaTimeRefreshToken,
		&u.WakaTimeExpiresAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, fmt.Errorf("sqlstore: getting user %s: %w", key, err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, role model.Role) error {
	return s.updateUser(ctx, id, map[string]any{"role": string(role)})
}

// SetWakaTimeTokens overwrites all three token columns in one statement so a
// reader never sees a new access token paired with a stale expiry.
func (s *Store) SetWakaTimeTokens(ctx context.Context, id string, tokens model.WakaTimeTokens) error {
	return s.updateUser(ctx, id, map[string]any{
		"wakatime_access_token":     tokens.AccessToken,
		"wakatime_refresh_token":    tokens.RefreshToken,
		"wakatime_token_expires_at": utcPtr(tokens.ExpiresAt),
	})
}

func (s *Store) ClearWakaTimeTokens(ctx context.Context, id string) error {
	return s.updateUser(ctx, id, map[string]any{
		"wakatime_access_token":     nil,
		"wakatime_refresh_token":    nil,
		"wakatime_token_expires_at": nil,
	})
}

func (s *Store) updateUser(ctx context.Context, id string, set map[string]any) error {
	set["updated_at"] = time.Now().UTC()

	query, args, err := s.sb.Update("users").SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("sqlstore: building user update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlstore: updating user %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: checking rows affected for user %s: %w", id, err)
	}
	if n == 0 {
		return apperror.NotFound("user", id)
	}

	return nil
}

// ListConnectedUserIDs returns enabled users that hold an access or refresh
// token, ordered by ID so passes are deterministic.
func (s *Store) ListConnectedUserIDs(ctx context.Context) ([]string, error) {
	query, args, err := s.sb.Select("id").From("users").
		Where(sq.Eq{"disabled": false}).
		Where(sq.Or{
			sq.NotEq{"wakatime_access_token": nil},
			sq.NotEq{"wakatime_refresh_token": nil},
		}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: building connected users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing connected users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
