package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/akumotech/student-tracker/internal/model"
)

type fakeUsers map[string]*model.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (*model.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}

// echoUserID is the protected handler: it writes back the user ID it sees.
var echoUserID = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromContext(r.Context())
	w.Write([]byte(id))
})

func TestRequireAuth(t *testing.T) {
	ts := newTestTokenService(t)
	valid, _ := ts.Generate("user-1")
	expired, _ := ts.GenerateWithDuration("user-1", -time.Minute)

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "cookie",
			setup:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: valid}) },
			wantStatus: http.StatusOK,
			wantBody:   "user-1",
		},
		{
			name:       "bearer header",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantStatus: http.StatusOK,
			wantBody:   "user-1",
		},
		{
			name:       "no credentials",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired cookie",
			setup:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: expired}) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic auth is not a session",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			RequireAuth(ts)(echoUserID).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	users := fakeUsers{
		"admin":    {ID: "admin", Role: model.RoleAdmin},
		"student":  {ID: "student", Role: model.RoleStudent},
		"disabled": {ID: "disabled", Role: model.RoleAdmin, Disabled: true},
	}
	mw := RequireRole(users, model.RoleAdmin)

	tests := []struct {
		name       string
		userID     string
		wantStatus int
	}{
		{"admin allowed", "admin", http.StatusOK},
		{"student forbidden", "student", http.StatusForbidden},
		{"disabled admin forbidden", "disabled", http.StatusForbidden},
		{"unknown user", "ghost", http.StatusUnauthorized},
		{"anonymous", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/sync", nil)
			if tt.userID != "" {
				req = req.WithContext(WithUserID(req.Context(), tt.userID))
			}
			rec := httptest.NewRecorder()

			mw(echoUserID).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
