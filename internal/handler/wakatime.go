package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/auth"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/syncer"
)

const (
	defaultSummaryDays = 7
	maxSummaryDays     = 366
)

// ConnectionService is what the WakaTime handler needs from
// *service.TokenManager.
type ConnectionService interface {
	BeginAuthorization(ctx context.Context, userID string) (string, error)
	CompleteAuthorization(ctx context.Context, code, state string) (string, error)
	Disconnect(ctx context.Context, userID string) error
}

// UserSyncer runs the sync pipeline on demand. *syncer.Runner implements it.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) syncer.UserResult
}

type SummaryReader interface {
	ListSummaries(ctx context.Context, userID string, r model.DateRange) ([]model.DailySummary, error)
}

// WakaTimeHandler serves the connect flow and the user's own usage data.
//
// ROUTES:
//   - GET    /api/wakatime/authorize  → redirect to WakaTime consent
//   - GET    /api/wakatime/callback   → finish the connect flow
//   - POST   /api/wakatime/sync       → sync the caller now
//   - GET    /api/wakatime/summaries  → stored daily rows
//   - DELETE /api/wakatime/connection → forget the tokens
type WakaTimeHandler struct {
	connections ConnectionService
	syncs       UserSyncer
	summaries   SummaryReader
	frontendURL string
	logger      *slog.Logger
	now         func() time.Time
}

func NewWakaTimeHandler(
	connections ConnectionService,
	syncs UserSyncer,
	summaries SummaryReader,
	frontendURL string,
	logger *slog.Logger,
) *WakaTimeHandler {
	return &WakaTimeHandler{
		connections: connections,
		syncs:       syncs,
		summaries:   summaries,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
		now:         time.Now,
	}
}

// HandleAuthorize redirects the logged-in user to WakaTime's consent page.
//
// HTTP: GET /api/wakatime/authorize
// Auth: Required
func (h *WakaTimeHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	redirect, err := h.connections.BeginAuthorization(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusTemporaryRedirect)
}

// HandleCallback completes the connect flow and sends the browser back to
// the dashboard with ?wakatime=connected or ?wakatime=error.
//
// HTTP: GET /api/wakatime/callback?code=xxx&state=yyy
//
// No session is required: the signed state alone identifies the user. A
// session cookie, if present, is ignored for this purpose.
func (h *WakaTimeHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// The user pressed "deny" on wakatime.com.
	if errParam := q.Get("error"); errParam != "" {
		h.logger.Info("WakaTime authorization denied", slog.String("error", errParam))
		h.redirectToDashboard(w, r, "error", "denied")
		return
	}

	userID, err := h.connections.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		_, reason := errorStatus(err)
		h.logger.Warn("WakaTime callback failed",
			slog.String("userID", userID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		h.redirectToDashboard(w, r, "error", reason)
		return
	}

	h.redirectToDashboard(w, r, "connected", "")
}

func (h *WakaTimeHandler) redirectToDashboard(w http.ResponseWriter, r *http.Request, result, reason string) {
	q := url.Values{}
	q.Set("wakatime", result)
	if reason != "" {
		q.Set("reason", reason)
	}
	http.Redirect(w, r, h.frontendURL+"/dashboard?"+q.Encode(), http.StatusSeeOther)
}

type syncResponse struct {
	Days     int       `json:"days"`
	SyncedAt time.Time `json:"syncedAt"`
}

// HandleSync runs the token → fetch → store pipeline for the caller.
//
// HTTP: POST /api/wakatime/sync
// Auth: Required
func (h *WakaTimeHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	res := h.syncs.SyncUser(r.Context(), userID)
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Days: res.Days, SyncedAt: h.now().UTC()})
}

type summariesResponse struct {
	Start     model.Date           `json:"start"`
	End       model.Date           `json:"end"`
	Summaries []model.DailySummary `json:"summaries"`
}

// HandleSummaries returns the caller's stored daily rows.
//
// HTTP: GET /api/wakatime/summaries?start=YYYY-MM-DD&end=YYYY-MM-DD
// Auth: Required
//
// Both parameters are optional; the default is the last 7 days. Each row
// carries cachedAt so the frontend can tell how fresh it is.
func (h *WakaTimeHandler) HandleSummaries(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	rng, err := h.parseRange(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.summaries.ListSummaries(r.Context(), userID, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []model.DailySummary{}
	}

	writeJSON(w, http.StatusOK, summariesResponse{Start: rng.Start, End: rng.End, Summaries: rows})
}

func (h *WakaTimeHandler) parseRange(q url.Values) (model.DateRange, error) {
	rng := model.LastNDays(h.now(), defaultSummaryDays)

	if s := q.Get("end"); s != "" {
		d, err := model.ParseDate(s)
		if err != nil {
			return rng, apperror.ValidationFailed("end", "end must be a YYYY-MM-DD date")
		}
		rng.End = d
		rng.Start = d.AddDays(-(defaultSummaryDays - 1))
	}
	if s := q.Get("start"); s != "" {
		d, err := model.ParseDate(s)
		if err != nil {
			return rng, apperror.ValidationFailed("start", "start must be a YYYY-MM-DD date")
		}
		rng.Start = d
	}

	if err := rng.Validate(); err != nil {
		return rng, apperror.ValidationFailed("start", err.Error())
	}
	if rng.End.Time().Sub(rng.Start.Time()) >= maxSummaryDays*24*time.Hour {
		return rng, apperror.ValidationFailed("start", "range must not exceed 366 days")
	}
	return rng, nil
}

// HandleDisconnect forgets the caller's WakaTime tokens. Stored summaries
// stay.
//
// HTTP: DELETE /api/wakatime/connection
// Auth: Required
func (h *WakaTimeHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.connections.Disconnect(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "disconnected"})
}
