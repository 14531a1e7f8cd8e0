// Package syncer pulls WakaTime usage for connected users into the summary
// store: Runner does one pass, Scheduler triggers passes on a cron spec.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository"
)

const (
	DefaultLookbackDays = 7
	DefaultConcurrency  = 4
	DefaultPassTimeout  = 30 * time.Minute
	DefaultUserTimeout  = 2 * time.Minute
)

// ConnectedUsers lists the users a pass should visit.
type ConnectedUsers interface {
	ListConnectedUserIDs(ctx context.Context) ([]string, error)
}

// TokenSource is the part of service.TokenManager the runner needs.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID string) (string, error)
}

type UsageFetcher interface {
	FetchDailyUsage(ctx context.Context, accessToken string, r model.DateRange) ([]model.DailyUsage, error)
}

type Config struct {
	LookbackDays int
	Concurrency  int
	PassTimeout  time.Duration
	UserTimeout  time.Duration
}

// UserResult is the outcome for one user. Err is nil on success.
type UserResult struct {
	UserID string
	Days   int
	Err    error
}

// PassResult collects every user's outcome. Err is set only when the pass
// could not start (the user list failed to load).
type PassResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Users      []UserResult
	Err        error
}

func (p PassResult) Succeeded() int {
	n := 0
	for _, u := range p.Users {
		if u.Err == nil {
			n++
		}
	}
	return n
}

func (p PassResult) Failed() int {
	return len(p.Users) - p.Succeeded()
}

// Runner executes sync passes. It keeps no state between passes.
type Runner struct {
	users     ConnectedUsers
	summaries repository.SummaryRepository
	tokens    TokenSource
	fetcher   UsageFetcher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(
	users ConnectedUsers,
	summaries repository.SummaryRepository,
	tokens TokenSource,
	fetcher UsageFetcher,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = DefaultUserTimeout
	}
	return &Runner{
		users:     users,
		summaries: summaries,
		tokens:    tokens,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// RunPass syncs every connected user. A failing or slow user never stops the
// others: each runs under its own timeout and the whole pass under
// PassTimeout. Users still queued when the pass deadline hits are reported
// as failed.
func (r *Runner) RunPass(ctx context.Context) PassResult {
	res := PassResult{StartedAt: r.now()}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PassTimeout)
	defer cancel()

	ids, err := r.users.ListConnectedUserIDs(ctx)
	if err != nil {
		res.Err = fmt.Errorf("syncer: listing connected users: %w", err)
		res.FinishedAt = r.now()
		r.logger.Error("sync pass aborted", slog.String("error", res.Err.Error()))
		return res
	}

	r.logger.Info("sync pass started", slog.Int("users", len(ids)))

	res.Users = make([]UserResult, len(ids))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res.Users[i] = r.SyncUser(ctx, id)
			return nil
		})
	}
	_ = g.Wait() // workers never return an error; failures live in res.Users

	res.FinishedAt = r.now()
	r.logger.Info("sync pass finished",
		slog.Int("succeeded", res.Succeeded()),
		slog.Int("failed", res.Failed()),
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res
}

// SyncUser runs the token → fetch → store sequence for one user under the
// per-user timeout. Stored rows change only if the fetch fully succeeded.
func (r *Runner) SyncUser(ctx context.Context, userID string) UserResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.UserTimeout)
	defer cancel()

	days, err := r.syncUser(ctx, userID)
	if err != nil {
		level := slog.LevelWarn
		if !isExpected(err) {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "user sync failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return UserResult{UserID: userID, Err: err}
	}

	r.logger.Debug("user synced", slog.String("userID", userID), slog.Int("days", days))
	return UserResult{UserID: userID, Days: days}
}

func (r *Runner) syncUser(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("syncer: user %s not started: %w", userID, err)
	}

	rng := model.LastNDays(r.now(), r.cfg.LookbackDays)

	token, err := r.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("syncer: getting token: %w", err)
	}

	usage, err := r.fetcher.FetchDailyUsage(ctx, token, rng)
	if errors.Is(err, apperror.ErrTokenRejected) {
		// The stored expiry said the token was fine but WakaTime disagrees.
		token, err = r.tokens.ForceRefresh(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("syncer: refreshing rejected token: %w", err)
		}
		usage, err = r.fetcher.FetchDailyUsage(ctx, token, rng)
	}
	if err != nil {
		return 0, fmt.Errorf("syncer: fetching usage: %w", err)
	}

	cachedAt := r.now().UTC()
	for _, day := range usage {
		s := &model.DailySummary{UserID: userID, DailyUsage: day, CachedAt: cachedAt}
		if err := r.summaries.Upsert(ctx, s); err != nil {
			return 0, fmt.Errorf("syncer: storing %s: %w", day.Date, err)
		}
	}
	return len(usage), nil
}

// isExpected reports failures that are the user's or WakaTime's state rather
// than a bug on our side.
func isExpected(err error) bool {
	return errors.Is(err, apperror.ErrReauthorizationRequired) ||
		errors.Is(err, apperror.ErrUpstreamUnavailable) ||
		errors.Is(err, apperror.ErrTokenRejected) ||
		errors.Is(err, context.DeadlineExceeded)
}
