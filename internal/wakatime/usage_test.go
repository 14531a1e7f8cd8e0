package wakatime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/model"
)

var testRange = model.DateRange{
	Start: model.Date{Year: 2024, Month: time.March, Day: 1},
	End:   model.Date{Year: 2024, Month: time.March, Day: 2},
}

const twoDays = `{
  "data": [
    {
      "grand_total": {"total_seconds": 3600.4, "text": "1 hr"},
      "range": {"date": "2024-03-01", "timezone": "America/New_York"},
      "languages": [
        {"name": "Go", "total_seconds": 3000.6},
        {"name": "Markdown", "total_seconds": 0}
      ],
      "projects": [{"name": "student-tracker", "total_seconds": 3600.4}],
      "editors": [{"name": "VS Code", "total_seconds": 3600}],
      "operating_systems": [{"name": "Linux", "total_seconds": 3600}],
      "categories": [{"name": "Coding", "total_seconds": 3400}, {"name": "Debugging", "total_seconds": 200.4}]
    },
    {
      "grand_total": {"total_seconds": 0},
      "range": {"date": "2024-03-02", "timezone": "America/New_York"},
      "languages": [],
      "projects": []
    }
  ],
  "cumulative_total": {"seconds": 3600.4}
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFetcher(FetcherConfig{
		BaseURL:    srv.URL + "/api/v1/",
		RetryDelay: 10 * time.Millisecond,
	}, NewHTTPClient(time.Second), logger)
	return f, &calls
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestFetchDailyUsage_Normalizes(t *testing.T) {
	f, calls := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/current/summaries", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2024-03-02", r.URL.Query().Get("end"))
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		respond(http.StatusOK, twoDays)(w, r)
	})

	days, err := f.FetchDailyUsage(context.Background(), "access-token", testRange)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, int32(1), calls.Load())

	first := days[0]
	assert.Equal(t, "2024-03-01", first.Date.String())
	assert.Equal(t, int64(3600), first.TotalSeconds)
	assert.Equal(t, "America/New_York", first.Timezone)
	assert.Equal(t, map[string]int64{"Go": 3001}, first.Languages, "zero-second categories are omitted")
	assert.Equal(t, map[string]int64{"student-tracker": 3600}, first.Projects)
	assert.Equal(t, map[string]int64{"VS Code": 3600}, first.Editors)
	assert.Equal(t, map[string]int64{"Linux": 3600}, first.OperatingSystems)
	assert.Equal(t, map[string]int64{"Coding": 3400, "Debugging": 200}, first.Categories)

	second := days[1]
	assert.Equal(t, int64(0), second.TotalSeconds)
	assert.Empty(t, second.Languages)
	assert.Empty(t, second.Editors)
}

func TestFetchDailyUsage_RetriesOnceOn5xx(t *testing.T) {
	var attempts atomic.Int32
	f, calls := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			respond(http.StatusServiceUnavailable, `{}`)(w, r)
			return
		}
		respond(http.StatusOK, twoDays)(w, r)
	})

	days, err := f.FetchDailyUsage(context.Background(), "tok", testRange)
	require.NoError(t, err)
	assert.Len(t, days, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDailyUsage_GivesUpAfterSecond5xx(t *testing.T) {
	f, calls := newTestFetcher(t, respond(http.StatusInternalServerError, `oops`))

	_, err := f.FetchDailyUsage(context.Background(), "tok", testRange)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "exactly one retry")
}

func TestFetchDailyUsage_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantCalls int32
	}{
		{"unauthorized", http.StatusUnauthorized, apperror.ErrTokenRejected, 1},
		{"forbidden", http.StatusForbidden, apperror.ErrTokenRejected, 1},
		{"rate limited", http.StatusTooManyRequests, apperror.ErrUpstreamUnavailable, 1},
		{"not found", http.StatusNotFound, apperror.ErrUpstreamUnavailable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, calls := newTestFetcher(t, respond(tt.status, `{"error":"x"}`))

			_, err := f.FetchDailyUsage(context.Background(), "tok", testRange)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestFetchDailyUsage_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f, calls := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	f.client = NewHTTPClient(50 * time.Millisecond)

	start := time.Now()
	_, err := f.FetchDailyUsage(context.Background(), "tok", testRange)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "a timeout counts as a transient failure")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchDailyUsage_ContextCancelledDuringRetryDelay(t *testing.T) {
	f, calls := newTestFetcher(t, respond(http.StatusBadGateway, ``))
	f.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.FetchDailyUsage(ctx, "tok", testRange)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchDailyUsage_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing data", `{"cumulative_total":{}}`},
		{"data wrong type", `{"data":{"grand_total":1}}`},
		{"missing range", `{"data":[{"grand_total":{"total_seconds":1}}]}`},
		{"bad date", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"03/01/2024"}}]}`},
		{"date outside range", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-02-01"}}]}`},
		{"duplicate date", `{"data":[
			{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"}},
			{"grand_total":{"total_seconds":2},"range":{"date":"2024-03-01"}}]}`},
		{"missing total", `{"data":[{"grand_total":{},"range":{"date":"2024-03-01"}}]}`},
		{"negative total", `{"data":[{"grand_total":{"total_seconds":-5},"range":{"date":"2024-03-01"}}]}`},
		{"string seconds", `{"data":[{"grand_total":{"total_seconds":"60"},"range":{"date":"2024-03-01"}}]}`},
		{"unnamed language", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"languages":[{"name":"","total_seconds":1}]}]}`},
		{"project without seconds", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"projects":[{"name":"x"}]}]}`},
		{"total beyond one day", `{"data":[{"grand_total":{"total_seconds":1e19},"range":{"date":"2024-03-01"}}]}`},
		{"language beyond int64", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"languages":[{"name":"Go","total_seconds":1e19}]}]}`},
		{"duplicate names overflow a day", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"projects":[{"name":"p","total_seconds":9e18},{"name":"p","total_seconds":9e18}]}]}`},
		{"duplicate names sum past a day", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"projects":[{"name":"p","total_seconds":50000},{"name":"p","total_seconds":50000}]}]}`},
		{"unnamed category", `{"data":[{"grand_total":{"total_seconds":1},"range":{"date":"2024-03-01"},
			"categories":[{"name":" ","total_seconds":1}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, calls := newTestFetcher(t, respond(http.StatusOK, tt.body))

			days, err := f.FetchDailyUsage(context.Background(), "tok", testRange)
			require.Error(t, err)
			assert.Nil(t, days)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.ErrorIs(t, err, apperror.ErrUpstreamUnavailable)
			assert.Equal(t, int32(1), calls.Load(), "malformed payloads are not retried")
		})
	}
}

func TestFetchDailyUsage_InvalidRange(t *testing.T) {
	f, calls := newTestFetcher(t, respond(http.StatusOK, twoDays))

	_, err := f.FetchDailyUsage(context.Background(), "tok", model.DateRange{Start: testRange.End, End: testRange.Start})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, int32(0), calls.Load())
}
