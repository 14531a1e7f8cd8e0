package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/akumotech/student-tracker/internal/apperror"
)

const (
	stateIssuer   = "student-tracker/wakatime-state"
	stateAudience = "wakatime-connect"

	// DefaultStateTTL is the validity window of a connect redirect.
	DefaultStateTTL = 10 * time.Minute

	// stateClockSkew tolerates an issue time slightly in the future.
	stateClockSkew = 30 * time.Second
)

// StateSigner issues and verifies the OAuth "state" parameter for the
// WakaTime connect flow.
//
// CSRF AND ACCOUNT BINDING:
// The state carries the ID of the user who started the flow. On callback we
// trust ONLY the user ID inside a verified state, never one supplied some
// other way. A forged, expired or replayed state is rejected outright.
//
// FORMAT:
// An HS256 JWT with jti = random nonce, sub = user ID, iat = issue time,
// exp = iat + ttl, aud = "wakatime-connect". The signature is the only
// storage needed to verify it; the in-memory used map only makes each nonce
// single use and forgets it once the nonce would have expired anyway.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // nonce → expiry
}

func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: state secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue returns a signed state token bound to userID.
func (s *StateSigner) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: state requires a user id")
	}

	now := s.now()
	c := jwt.RegisteredClaims{
		ID:        xid.New().String(),
		Subject:   userID,
		Issuer:    stateIssuer,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing state: %w", err)
	}
	return signed, nil
}

// Consume verifies state and marks it used. It returns the user ID the state
// was issued for. Every failure is an apperror.ErrInvalidState.
func (s *StateSigner) Consume(state string) (string, error) {
	if state == "" {
		return "", apperror.InvalidState("missing state")
	}

	var c jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &c,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperror.InvalidState("state expired")
		}
		return "", apperror.InvalidState("signature or claims rejected")
	}

	if c.ID == "" || c.Subject == "" || c.IssuedAt == nil {
		return "", apperror.InvalidState("incomplete state")
	}

	// Age is measured from iat so a validity window shorter than the one the
	// token was minted with still applies.
	now := s.now()
	age := now.Sub(c.IssuedAt.Time)
	if age > s.ttl {
		return "", apperror.InvalidState("state expired")
	}
	if age < -stateClockSkew {
		return "", apperror.InvalidState("state issued in the future")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for nonce, exp := range s.used {
		if now.After(exp) {
			delete(s.used, nonce)
		}
	}
	if _, seen := s.used[c.ID]; seen {
		return "", apperror.InvalidState("state already used")
	}
	s.used[c.ID] = c.IssuedAt.Time.Add(s.ttl)

	return c.Subject, nil
}
