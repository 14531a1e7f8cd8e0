// Package repository declares the storage interfaces the services depend on.
// internal/repository/sqlstore implements them for SQLite and Postgres.
package repository

import (
	"context"

	"github.com/akumotech/student-tracker/internal/model"
)

type UserRepository interface {
	// CreateUser inserts a new user and fills in ID and timestamps.
	// A duplicate email returns apperror.ErrConflict.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateRole(ctx context.Context, id string, role model.Role) error

	// SetWakaTimeTokens overwrites all three token columns.
	SetWakaTimeTokens(ctx context.Context, id string, tokens model.WakaTimeTokens) error
	// ClearWakaTimeTokens sets all three token columns to NULL.
	ClearWakaTimeTokens(ctx context.Context, id string) error
	// ListConnectedUserIDs returns enabled users holding an access or refresh token.
	ListConnectedUserIDs(ctx context.Context) ([]string, error)
}

type SummaryRepository interface {
	// Upsert writes the row for (summary.UserID, summary.Date), replacing
	// any previous values.
	Upsert(ctx context.Context, summary *model.DailySummary) error
	// ListSummaries returns a user's rows within r, ordered by date.
	ListSummaries(ctx context.Context, userID string, r model.DateRange) ([]model.DailySummary, error)
}
