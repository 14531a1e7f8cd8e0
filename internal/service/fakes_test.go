package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository"
)

var _ repository.UserRepository = (*fakeUserRepo)(nil)

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// Using a fake (not a mock framework) keeps tests easy to read: you can see
// exactly what the fake does. It is safe for concurrent use.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User
	nextID int

	// set to a non-nil error to simulate a database failure
	createErr error
	getErr    error

	clears atomic.Int32
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User), nextID: 1}
}

// add stores u as is and returns it.
func (f *fakeUserRepo) add(u *model.User) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.ID] = &cp
	return u
}

// get returns a copy of the stored user, or nil.
func (f *fakeUserRepo) get(id string) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (f *fakeUserRepo) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Email == user.Email {
			return apperror.Conflict("user", user.Email)
		}
	}
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("user", email)
}

func (f *fakeUserRepo) UpdateRole(_ context.Context, id string, role model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	u.Role = role
	return nil
}

// SetWakaTimeTokens fails on a done context, like a database driver would.
func (f *fakeUserRepo) SetWakaTimeTokens(ctx context.Context, id string, t model.WakaTimeTokens) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	access := t.AccessToken
	u.WakaTimeAccessToken = &access
	u.WakaTimeRefreshToken = t.RefreshToken
	u.WakaTimeExpiresAt = t.ExpiresAt
	return nil
}

func (f *fakeUserRepo) ClearWakaTimeTokens(_ context.Context, id string) error {
	f.clears.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	u.WakaTimeAccessToken = nil
	u.WakaTimeRefreshToken = nil
	u.WakaTimeExpiresAt = nil
	return nil
}

func (f *fakeUserRepo) ListConnectedUserIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, u := range f.users {
		if u.Connected() && !u.Disabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeProvider stands in for *wakatime.Provider. Nil funcs fail the call.
type fakeProvider struct {
	exchange func(code string) (*oauth2.Token, error)
	refresh  func(refreshToken string) (*oauth2.Token, error)

	exchanges atomic.Int32
	refreshes atomic.Int32
}

func (p *fakeProvider) AuthURL(state string) string {
	return "https://wakatime.example/oauth/authorize?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	p.exchanges.Add(1)
	if p.exchange == nil {
		return nil, fmt.Errorf("unexpected exchange")
	}
	return p.exchange(code)
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	p.refreshes.Add(1)
	if p.refresh == nil {
		return nil, fmt.Errorf("unexpected refresh")
	}
	return p.refresh(refreshToken)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
