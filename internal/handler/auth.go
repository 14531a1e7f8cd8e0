package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/akumotech/student-tracker/internal/auth"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/service"
)

// AccountService is what the auth and admin handlers need from
// *service.AuthService.
type AccountService interface {
	Signup(ctx context.Context, in service.SignupInput) (*model.User, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	UpdateRole(ctx context.Context, id, role string) (*model.User, error)
}

// AuthHandler manages signup, login and session cookies.
//
// HANDLER RESPONSIBILITIES:
//   - HandleSignup → create an account
//   - HandleLogin  → check credentials, issue the session JWT
//   - HandleLogout → clear the JWT cookie
//   - HandleMe     → return the logged-in user and their WakaTime status
type AuthHandler struct {
	accounts      AccountService
	sessionTTL    time.Duration
	secureCookies bool
	logger        *slog.Logger
}

// NewAuthHandler creates an AuthHandler. sessionTTL must match the
// TokenService TTL so the cookie and the JWT expire together.
func NewAuthHandler(accounts AccountService, sessionTTL time.Duration, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		accounts:      accounts,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

// userResponse is the public shape of a user. The token columns are already
// hidden by their json:"-" tags; only the derived status is exposed.
type userResponse struct {
	*model.User
	WakaTimeStatus model.WakaTimeStatus `json:"wakatimeStatus"`
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{User: u, WakaTimeStatus: u.WakaTimeStatus(time.Now())}
}

// HandleSignup creates an account.
//
// HTTP: POST /api/auth/signup
// REQUEST BODY: {"email": "...", "name": "...", "password": "..."}
// RESPONSE: 201 with the user; 409 if the email is taken.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in service.SignupInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.accounts.Signup(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

// HandleLogin checks credentials and sets the session cookie.
//
// HTTP: POST /api/auth/login
//
// The JWT is set as an HttpOnly cookie for the browser and also returned in
// the body for API clients that send it as a Bearer header.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	// HttpOnly = JavaScript cannot read this cookie (XSS protection).
	// SameSite=Lax = sent on top-level navigations (the WakaTime callback
	// redirect) but not on cross-site POSTs.
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    res.Token,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, loginResponse{User: newUserResponse(res.User), Token: res.Token})
}

// HandleLogout clears the JWT cookie.
//
// HTTP: POST /api/auth/logout
//
// Sessions are stateless JWTs: the token stays valid until it expires, but
// without the cookie the browser can no longer send it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the currently authenticated user's profile.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth middleware sets userID in context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "valid authentication required"})
		return
	}

	user, err := h.accounts.GetUserByID(r.Context(), userID)
	if err != nil {
		h.logger.Warn("HandleMe: user lookup failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(user))
}
