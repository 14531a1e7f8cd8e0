package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akumotech/student-tracker/internal/syncer"
)

// PassRunner runs a full sync pass. *syncer.Runner implements it.
type PassRunner interface {
	RunPass(ctx context.Context) syncer.PassResult
}

// AdminHandler serves the admin-only routes. RequireRole(admin) guards them
// in the router; the handler itself does no permission checks.
type AdminHandler struct {
	passes   PassRunner
	accounts AccountService
	logger   *slog.Logger
}

func NewAdminHandler(passes PassRunner, accounts AccountService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{passes: passes, accounts: accounts, logger: logger}
}

type userFailure struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

type passResponse struct {
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Users      int           `json:"users"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Failures   []userFailure `json:"failures"`
}

// HandleSyncPass runs a full pass synchronously and reports the counts.
//
// HTTP: POST /api/admin/sync
// Auth: admin
//
// The pass is bounded by its own deadline, not by the request: a client that
// disconnects does not abort the other users' syncs halfway.
func (h *AdminHandler) HandleSyncPass(w http.ResponseWriter, r *http.Request) {
	res := h.passes.RunPass(context.WithoutCancel(r.Context()))
	if res.Err != nil {
		h.logger.Error("admin sync pass failed", slog.String("error", res.Err.Error()))
		writeError(w, res.Err)
		return
	}

	resp := passResponse{
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Users:      len(res.Users),
		Succeeded:  res.Succeeded(),
		Failed:     res.Failed(),
		Failures:   []userFailure{},
	}
	for _, u := range res.Users {
		if u.Err != nil {
			_, reason := errorStatus(u.Err)
			resp.Failures = append(resp.Failures, userFailure{UserID: u.UserID, Error: reason})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type roleRequest struct {
	Role string `json:"role"`
}

// HandleUpdateRole changes a user's role.
//
// HTTP: PUT /api/admin/users/{id}/role
// REQUEST BODY: {"role": "student"}
func (h *AdminHandler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.accounts.UpdateRole(r.Context(), id, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(user))
}
