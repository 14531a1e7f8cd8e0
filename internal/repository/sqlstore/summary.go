package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/xid"

	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository"
)

var _ repository.SummaryRepository = (*Store)(nil)

// upsertSuffix turns the INSERT into an overwrite when (user_id, date)
// already has a row. Both SQLite (3.24+) and Postgres accept this form.
// The row keeps its original id.
const upsertSuffix = `ON CONFLICT (user_id, date) DO UPDATE SET
	total_seconds = excluded.total_seconds,
	languages = excluded.languages,
	projects = excluded.projects,
	editors = excluded.editors,
	operating_systems = excluded.operating_systems,
	categories = excluded.categories,
	timezone = excluded.timezone,
	cached_at = excluded.cached_at`

// breakdowns is the JSON encoding of the per-category maps.
type breakdowns struct {
	languages, projects, editors, operatingSystems, categories string
}

func encodeBreakdowns(u model.DailyUsage) (breakdowns, error) {
	var (
		b   breakdowns
		err error
	)
	for _, f := range []struct {
		dst *string
		src map[string]int64
	}{
		{&b.languages, u.Languages},
		{&b.projects, u.Projects},
		{&b.editors, u.Editors},
		{&b.operatingSystems, u.OperatingSystems},
		{&b.categories, u.Categories},
	} {
		for name, secs := range f.src {
			if secs < 0 {
				return breakdowns{}, fmt.Errorf("negative seconds %d for %q", secs, name)
			}
		}
		if *f.dst, err = encodeMap(f.src); err != nil {
			return breakdowns{}, err
		}
	}
	return b, nil
}

func encodeMap(m map[string]int64) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]int64, error) {
	m := map[string]int64{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]int64{}
	}
	return m, nil
}

// Upsert writes the snapshot for (summary.UserID, summary.Date). Calling it
// twice with the same input leaves one row equal to the input: values are
// replaced, never added.
//
// If two writers race on a key the loser can still see a unique violation
// (the insert half of the statement lost), in which case the row is updated
// in place. Last writer wins.
func (s *Store) Upsert(ctx context.Context, summary *model.DailySummary) error {
	if summary.TotalSeconds < 0 {
		return fmt.Errorf("sqlstore: negative total_seconds %d for %s", summary.TotalSeconds, summary.Date)
	}
	if summary.CachedAt.IsZero() {
		summary.CachedAt = time.Now()
	}
	summary.CachedAt = summary.CachedAt.UTC()

	b, err := encodeBreakdowns(summary.DailyUsage)
	if err != nil {
		return fmt.Errorf("sqlstore: encoding breakdowns: %w", err)
	}

	query, args, err := s.sb.Insert("daily_summaries").
		Columns("id", "user_id", "date", "total_seconds",
			"languages", "projects", "editors", "operating_systems", "categories",
			"timezone", "cached_at").
		Values(xid.New().String(), summary.UserID, summary.Date.String(), summary.TotalSeconds,
			b.languages, b.projects, b.editors, b.operatingSystems, b.categories,
			summary.Timezone, summary.CachedAt).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlstore: building summary upsert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("sqlstore: upserting summary %s/%s: %w", summary.UserID, summary.Date, err)
	}

	query, args, err = s.sb.Update("daily_summaries").
		SetMap(map[string]any{
			"total_seconds":     summary.TotalSeconds,
			"languages":         b.languages,
			"projects":          b.projects,
			"editors":           b.editors,
			"operating_systems": b.operatingSystems,
			"categories":        b.categories,
			"timezone":          summary.Timezone,
			"cached_at":         summary.CachedAt,
		}).
		Where(sq.Eq{"user_id": summary.UserID, "date": summary.Date.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlstore: building summary update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlstore: updating summary %s/%s after conflict: %w", summary.UserID, summary.Date, err)
	}

	return nil
}

// ListSummaries returns the user's rows with r.Start <= date <= r.End.
// Dates are stored as YYYY-MM-DD text, so string comparison is date order.
func (s *Store) ListSummaries(ctx context.Context, userID string, r model.DateRange) ([]model.DailySummary, error) {
	query, args, err := s.sb.Select("user_id", "date", "total_seconds",
		"languages", "projects", "editors", "operating_systems", "categories",
		"timezone", "cached_at").
		From("daily_summaries").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"date": r.Start.String()}).
		Where(sq.LtOrEq{"date": r.End.String()}).
		OrderBy("date").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: building summaries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing summaries for %s: %w", userID, err)
	}
	defer rows.Close()

	summaries := []model.DailySummary{}
	for rows.Next() {
		var (
			sum                                 model.DailySummary
			date                                string
			languages, projects, editors, osMap string
			categories                          string
		)
		if err := rows.Scan(&sum.UserID, &date, &sum.TotalSeconds,
			&languages, &projects, &editors, &osMap, &categories,
			&sum.Timezone, &sum.CachedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning summary: %w", err)
		}

		if sum.Date, err = model.ParseDate(date); err != nil {
			return nil, fmt.Errorf("sqlstore: summary row: %w", err)
		}
		for _, f := range []struct {
			dst *map[string]int64
			src string
		}{
			{&sum.Languages, languages},
			{&sum.Projects, projects},
			{&sum.Editors, editors},
			{&sum.OperatingSystems, osMap},
			{&sum.Categories, categories},
		} {
			if *f.dst, err = decodeMap(f.src); err != nil {
				return nil, fmt.Errorf("sqlstore: decoding breakdown for %s/%s: %w", userID, date, err)
			}
		}

		summaries = append(summaries, sum)
	}

	return summaries, rows.Err()
}
