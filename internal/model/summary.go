package model

import (
	"fmt"
	"time"
)

// DateLayout is how calendar dates travel on the wire and sit in the database.
const DateLayout = "2006-01-02"

// Date is a calendar day with no time-of-day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }
func (d Date) After(o Date) bool  { return d.Time().After(o.Time()) }

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive span of days.
type DateRange struct {
	Start Date
	End   Date
}

// LastNDays returns the n days ending on (and including) the day of now.
func LastNDays(now time.Time, n int) DateRange {
	end := DateOf(now)
	return DateRange{Start: end.AddDays(-(n - 1)), End: end}
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("range end %s is before start %s", r.End, r.Start)
	}
	return nil
}

// DailyUsage is one normalized day of activity as reported by WakaTime.
// Breakdown maps omit categories with zero seconds.
type DailyUsage struct {
	Date             Date             `json:"date"`
	TotalSeconds     int64            `json:"totalSeconds"`
	Languages        map[string]int64 `json:"languages"`
	Projects         map[string]int64 `json:"projects"`
	Editors          map[string]int64 `json:"editors"`
	OperatingSystems map[string]int64 `json:"operatingSystems"`
	Categories       map[string]int64 `json:"categories"` // coding, debugging, building...
	Timezone         string           `json:"timezone,omitempty"`
}

// DailySummary is the stored snapshot for one (user, date). It is an
// authoritative copy of the provider's numbers, not a running total.
type DailySummary struct {
	UserID string `json:"userId" db:"user_id"`
	DailyUsage
	CachedAt time.Time `json:"cachedAt" db:"cached_at"`
}
