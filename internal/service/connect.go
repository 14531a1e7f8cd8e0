package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/akumotech/student-tracker/internal/apperror"
	"github.com/akumotech/student-tracker/internal/auth"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository"
	"github.com/akumotech/student-tracker/internal/vault"
	"github.com/akumotech/student-tracker/internal/wakatime"
)

// tokenExpirySkew refreshes a token slightly before the provider would
// reject it, so a fetch started now does not race the expiry.
const tokenExpirySkew = time.Minute

// persistTimeout bounds the write of a refreshed token pair.
const persistTimeout = 10 * time.Second

// OAuthProvider is the part of *wakatime.Provider the token manager uses.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenManager owns the WakaTime token lifecycle of every user:
//
//	Disconnected → (BeginAuthorization) → pending → (CompleteAuthorization) → Connected
//	Connected → (expiry passes) → Expired → (refresh) → Connected
//	Expired → (refresh rejected / no refresh token) → Disconnected
//
// It is the only writer of the token columns. Tokens are encrypted with the
// vault before they reach the repository and decrypted only on the way out of
// GetValidAccessToken.
type TokenManager struct {
	users    repository.UserRepository
	vault    *vault.Vault
	states   *auth.StateSigner
	provider OAuthProvider
	logger   *slog.Logger
	now      func() time.Time

	// refreshes collapses concurrent refreshes for one user into a single
	// provider call. Refresh tokens may rotate, so two parallel refreshes
	// with the same token would leave one caller holding a dead pair.
	refreshes singleflight.Group
}

func NewTokenManager(
	users repository.UserRepository,
	v *vault.Vault,
	states *auth.StateSigner,
	provider OAuthProvider,
	logger *slog.Logger,
) *TokenManager {
	return &TokenManager{
		users:    users,
		vault:    v,
		states:   states,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginAuthorization returns the WakaTime consent URL for userID. The state
// parameter in it is bound to userID and expires after the signer's TTL.
func (m *TokenManager) BeginAuthorization(ctx context.Context, userID string) (string, error) {
	if _, err := m.users.GetUserByID(ctx, userID); err != nil {
		return "", fmt.Errorf("service/connect: loading user %s: %w", userID, err)
	}

	state, err := m.states.Issue(userID)
	if err != nil {
		return "", fmt.Errorf("service/connect: issuing state: %w", err)
	}

	return m.provider.AuthURL(state), nil
}

// CompleteAuthorization handles the OAuth callback. The user is identified
// only by the verified state; it returns that user's ID.
func (m *TokenManager) CompleteAuthorization(ctx context.Context, code, state string) (string, error) {
	userID, err := m.states.Consume(state)
	if err != nil {
		return "", err
	}
	if code == "" {
		return userID, apperror.ValidationFailed("code", "authorization code is required")
	}

	tok, err := m.provider.Exchange(ctx, code)
	if err != nil {
		m.logger.Warn("WakaTime code exchange failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return userID, err
	}

	if _, err := m.persist(ctx, userID, tok); err != nil {
		return userID, err
	}

	m.logger.Info("WakaTime connected", slog.String("userID", userID))
	return userID, nil
}

// GetValidAccessToken returns a plaintext access token that is not about to
// expire, refreshing it first when needed. It never returns a token it knows
// to be stale.
//
// Errors:
//   - apperror.ErrReauthorizationRequired → nothing usable is stored, or the
//     refresh was rejected; the tokens have been cleared
//   - apperror.ErrCorruptedCredential    → stored ciphertext is unreadable;
//     the tokens have been cleared (also matches ErrReauthorizationRequired)
//   - apperror.ErrUpstreamUnavailable    → refresh failed transiently
func (m *TokenManager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	user, err := m.users.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("service/connect: loading user %s: %w", userID, err)
	}

	if user.WakaTimeAccessToken == nil {
		if user.WakaTimeRefreshToken == nil {
			return "", apperror.ReauthorizationRequired(userID, "no WakaTime token stored")
		}
		return m.refresh(ctx, userID)
	}

	if user.WakaTimeExpiresAt != nil && !m.now().Add(tokenExpirySkew).Before(*user.WakaTimeExpiresAt) {
		return m.refresh(ctx, userID)
	}

	access, err := m.vault.Decrypt(*user.WakaTimeAccessToken)
	if err != nil {
		m.clear(ctx, userID, "access token could not be decrypted")
		return "", err
	}
	return access, nil
}

// ForceRefresh refreshes regardless of the stored expiry. The sync runner
// calls it when the API rejects a token the expiry said was still good.
func (m *TokenManager) ForceRefresh(ctx context.Context, userID string) (string, error) {
	return m.refresh(ctx, userID)
}

// Disconnect forgets the user's WakaTime tokens. Stored summaries are kept.
func (m *TokenManager) Disconnect(ctx context.Context, userID string) error {
	if err := m.users.ClearWakaTimeTokens(ctx, userID); err != nil {
		return fmt.Errorf("service/connect: disconnecting user %s: %w", userID, err)
	}
	m.logger.Info("WakaTime disconnected", slog.String("userID", userID))
	return nil
}

func (m *TokenManager) ConnectionStatus(ctx context.Context, userID string) (model.WakaTimeStatus, error) {
	user, err := m.users.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("service/connect: loading user %s: %w", userID, err)
	}
	return user.WakaTimeStatus(m.now()), nil
}

// refresh runs doRefresh at most once at a time per user. Callers that join an
// in-flight refresh share its result but still give up on their own ctx.
func (m *TokenManager) refresh(ctx context.Context, userID string) (string, error) {
	ch := m.refreshes.DoChan(userID, func() (any, error) {
		return m.doRefresh(ctx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperror.UpstreamUnavailable(fmt.Errorf("service/connect: waiting for refresh: %w", ctx.Err()))
	}
}

func (m *TokenManager) doRefresh(ctx context.Context, userID string) (string, error) {
	user, err := m.users.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("service/connect: loading user %s: %w", userID, err)
	}

	// Without a refresh token there is no way back to a valid access token,
	// so the connection is dropped rather than left half alive.
	if user.WakaTimeRefreshToken == nil {
		m.clear(ctx, userID, "no refresh token stored")
		return "", apperror.ReauthorizationRequired(userID, "no refresh token stored")
	}

	refreshToken, err := m.vault.Decrypt(*user.WakaTimeRefreshToken)
	if err != nil {
		m.clear(ctx, userID, "refresh token could not be decrypted")
		return "", err
	}

	tok, err := m.provider.Refresh(ctx, refreshToken)
	switch {
	case errors.Is(err, wakatime.ErrRefreshRejected):
		m.clear(ctx, userID, "refresh token rejected")
		return "", apperror.ReauthorizationRequired(userID, "refresh token rejected")
	case err != nil:
		return "", err
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	// The provider may already have rotated the refresh token, so the new
	// pair is written even if the caller has gone away.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	m.logger.Debug("WakaTime token refreshed", slog.String("userID", userID))
	return m.persist(saveCtx, userID, tok)
}

// persist encrypts and stores tok, returning the plaintext access token.
func (m *TokenManager) persist(ctx context.Context, userID string, tok *oauth2.Token) (string, error) {
	access, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("service/connect: encrypting access token: %w", err)
	}

	tokens := model.WakaTimeTokens{AccessToken: access}

	if tok.RefreshToken != "" {
		refresh, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("service/connect: encrypting refresh token: %w", err)
		}
		tokens.RefreshToken = &refresh
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		tokens.ExpiresAt = &exp
	}

	if err := m.users.SetWakaTimeTokens(ctx, userID, tokens); err != nil {
		return "", fmt.Errorf("service/connect: storing tokens for user %s: %w", userID, err)
	}
	return tok.AccessToken, nil
}

// clear drops every token field. A failure here is logged, not returned: the
// caller is already reporting that the user must reconnect.
func (m *TokenManager) clear(ctx context.Context, userID, reason string) {
	m.logger.Warn("clearing WakaTime tokens",
		slog.String("userID", userID),
		slog.String("reason", reason),
	)
	if err := m.users.ClearWakaTimeTokens(ctx, userID); err != nil {
		m.logger.Error("failed to clear WakaTime tokens",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
	}
}
