package wakatime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/model"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	DefaultRetryDelay  = 2 * time.Second

	maxResponseBytes = 8 << 20

	// maxDaySeconds bounds any per-day value: a 25-hour day happens once a
	// year where clocks fall back.
	maxDaySeconds = 25 * 60 * 60
)

// ErrMalformedResponse marks a summaries payload that does not match the
// expected schema. It is wrapped in apperror.UpstreamUnavailable: the next
// pass tries again, the stored rows stay as they are.
var ErrMalformedResponse = errors.New("wakatime: malformed summaries response")

// NewHTTPClient returns a client with every phase of a request bounded:
// dial, TLS handshake, waiting for headers, and the request as a whole.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

type FetcherConfig struct {
	BaseURL           string
	RetryDelay        time.Duration
	RequestsPerSecond float64 // <= 0 disables spacing
}

// Fetcher calls GET /users/current/summaries. It is safe for concurrent use;
// the limiter is shared by every goroutine of a sync pass.
type Fetcher struct {
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewFetcher(cfg FetcherConfig, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Fetcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     client,
		retryDelay: cfg.RetryDelay,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// FetchDailyUsage returns one normalized record per day WakaTime reports in r.
//
// Errors:
//   - apperror.ErrTokenRejected       → 401/403, the caller should refresh
//   - apperror.ErrUpstreamUnavailable → 5xx or transport failure twice, any
//     other unexpected status, or a payload that fails validation
func (f *Fetcher) FetchDailyUsage(ctx context.Context, accessToken string, r model.DateRange) ([]model.DailyUsage, error) {
	if err := r.Validate(); err != nil {
		return nil, apperror.ValidationFailed("range", err.Error())
	}

	q := url.Values{}
	q.Set("start", r.Start.String())
	q.Set("end", r.End.String())
	endpoint := f.baseURL + "/users/current/summaries?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			f.logger.Warn("retrying WakaTime summaries request",
				slog.Duration("delay", f.retryDelay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-time.After(f.retryDelay):
			case <-ctx.Done():
				return nil, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: %w (last error: %w)", ctx.Err(), lastErr))
			}
		}

		body, retry, err := f.get(ctx, endpoint, accessToken)
		if err == nil {
			return parseSummaries(body, r)
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	return nil, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: summaries failed after retry: %w", lastErr))
}

// get performs one request. retry reports whether the failure is the kind
// worth one more attempt (transport error or 5xx).
func (f *Fetcher) get(ctx context.Context, endpoint, accessToken string) (body []byte, retry bool, err error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: waiting for rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("wakatime: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: %w", err))
		}
		return nil, true, fmt.Errorf("wakatime: requesting summaries: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, true, fmt.Errorf("wakatime: reading summaries body: %w", err)
		}
		return body, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, apperror.TokenRejected(resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("wakatime: summaries returned status %d", resp.StatusCode)
	default:
		return nil, false, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: summaries returned status %d", resp.StatusCode))
	}
}

// Wire schema. Required values are pointers so "absent" and "zero" differ.

type summariesResponse struct {
	Data *[]summaryDay `json:"data"`
}

type summaryDay struct {
	GrandTotal       *grandTotal `json:"grand_total"`
	Range            *dayRange   `json:"range"`
	Languages        []category  `json:"languages"`
	Projects         []category  `json:"projects"`
	Editors          []category  `json:"editors"`
	OperatingSystems []category  `json:"operating_systems"`
	Categories       []category  `json:"categories"`
}

type grandTotal struct {
	TotalSeconds *float64 `json:"total_seconds"`
}

type dayRange struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
}

type category struct {
	Name         string   `json:"name"`
	TotalSeconds *float64 `json:"total_seconds"`
}

func malformed(format string, args ...any) error {
	return apperror.UpstreamUnavailable(fmt.Errorf("%w: "+format, append([]any{ErrMalformedResponse}, args...)...))
}

// parseSummaries validates the payload and converts it to model.DailyUsage.
// One bad day rejects the whole response; partial data is never returned.
func parseSummaries(body []byte, r model.DateRange) ([]model.DailyUsage, error) {
	var resp summariesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("decoding: %v", err)
	}
	if resp.Data == nil {
		return nil, malformed("missing data array")
	}

	seen := make(map[model.Date]bool, len(*resp.Data))
	days := make([]model.DailyUsage, 0, len(*resp.Data))

	for i, d := range *resp.Data {
		if d.Range == nil || d.Range.Date == "" {
			return nil, malformed("data[%d]: missing range.date", i)
		}
		date, err := model.ParseDate(d.Range.Date)
		if err != nil {
			return nil, malformed("data[%d]: %v", i, err)
		}
		if !r.Contains(date) {
			return nil, malformed("data[%d]: date %s outside requested range", i, date)
		}
		if seen[date] {
			return nil, malformed("data[%d]: duplicate date %s", i, date)
		}
		seen[date] = true

		if d.GrandTotal == nil || d.GrandTotal.TotalSeconds == nil {
			return nil, malformed("data[%d]: missing grand_total.total_seconds", i)
		}
		total, err := toSeconds(*d.GrandTotal.TotalSeconds)
		if err != nil {
			return nil, malformed("data[%d]: grand_total: %v", i, err)
		}

		usage := model.DailyUsage{
			Date:         date,
			TotalSeconds: total,
			Timezone:     d.Range.Timezone,
		}
		for _, b := range []struct {
			field string
			src   []category
			dst   *map[string]int64
		}{
			{"languages", d.Languages, &usage.Languages},
			{"projects", d.Projects, &usage.Projects},
			{"editors", d.Editors, &usage.Editors},
			{"operating_systems", d.OperatingSystems, &usage.OperatingSystems},
			{"categories", d.Categories, &usage.Categories},
		} {
			m, err := toBreakdown(b.src)
			if err != nil {
				return nil, malformed("data[%d].%s: %v", i, b.field, err)
			}
			*b.dst = m
		}

		days = append(days, usage)
	}

	return days, nil
}

// toBreakdown drops zero-second entries: an absent category and a category
// with no time both come out as "not in the map".
func toBreakdown(cats []category) (map[string]int64, error) {
	m := make(map[string]int64, len(cats))
	for j, c := range cats {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("entry %d has no name", j)
		}
		if c.TotalSeconds == nil {
			return nil, fmt.Errorf("entry %q has no total_seconds", c.Name)
		}
		secs, err := toSeconds(*c.TotalSeconds)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", c.Name, err)
		}
		if secs == 0 {
			continue
		}
		if m[c.Name]+secs > maxDaySeconds {
			return nil, fmt.Errorf("entry %q adds up to more than %d seconds", c.Name, maxDaySeconds)
		}
		m[c.Name] += secs
	}
	return m, nil
}

func toSeconds(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid seconds value %v", v)
	}
	if v > maxDaySeconds {
		return 0, fmt.Errorf("seconds value %v exceeds one day", v)
	}
	return int64(math.Round(v)), nil
}
