// Package model defines the data structures used throughout the application.
package model

import (
	"fmt"
	"time"
)

// Role gates what a user may do. New accounts start at RoleNone until an
// admin assigns them.
type Role string

const (
	RoleNone       Role = "none"
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a role name coming from a request body.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleNone, RoleStudent, RoleInstructor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// WakaTimeStatus is the connection state derived from the stored token fields.
type WakaTimeStatus string

const (
	WakaTimeDisconnected WakaTimeStatus = "disconnected"
	WakaTimeConnected    WakaTimeStatus = "connected"
	WakaTimeExpired      WakaTimeStatus = "expired"
)

// User represents a registered account.
//
// The three WakaTime fields hold vault ciphertext, never plaintext tokens, and
// are never serialized to JSON. Only the token manager writes them.
//
// WHY *string / *time.Time?
// The columns are nullable: NULL means "not connected", which is different
// from an empty string. database/sql scans NULL into a nil pointer.
type User struct {
	ID           string    `json:"id"           db:"id"`
	Email        string    `json:"email"        db:"email"`
	Name         string    `json:"name"         db:"name"`
	PasswordHash string    `json:"-"            db:"password_hash"`
	Role         Role      `json:"role"         db:"role"`
	Disabled     bool      `json:"disabled"     db:"disabled"`
	CreatedAt    time.Time `json:"createdAt"    db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt"    db:"updated_at"`

	WakaTimeAccessToken  *string    `json:"-" db:"wakatime_access_token"`
	WakaTimeRefreshToken *string    `json:"-" db:"wakatime_refresh_token"`
	WakaTimeExpiresAt    *time.Time `json:"-" db:"wakatime_token_expires_at"`
}

// Connected reports whether any WakaTime token is stored.
func (u *User) Connected() bool {
	return u.WakaTimeAccessToken != nil || u.WakaTimeRefreshToken != nil
}

// WakaTimeStatus derives the connection state at the given instant. A nil
// expiry never counts as expired.
func (u *User) WakaTimeStatus(now time.Time) WakaTimeStatus {
	switch {
	case !u.Connected():
		return WakaTimeDisconnected
	case u.WakaTimeExpiresAt != nil && !now.Before(*u.WakaTimeExpiresAt):
		return WakaTimeExpired
	default:
		return WakaTimeConnected
	}
}

// WakaTimeTokens is the encrypted token set persisted after an exchange or a
// refresh. A nil ExpiresAt means the provider did not say.
type WakaTimeTokens struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
}
