// Package session issues access/refresh token pairs, validates them on
// every request, rotates refresh tokens, and revokes sessions.
//
// A session is an opaque server-side record; the bearer tokens only carry
// signed pointers into it. The refresh chain is linear: every rotation
// revokes the presented token and appends a new one. Re-presenting an
// already-used refresh token revokes the whole session, which is the
// stolen-token replay defense.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session types.
const (
	TypeUser         = "user"
	TypeCheckTwoStep = "checkTwoStep"
	// TypeUpdatePassword restricts a session to the update-password
	// endpoint after a forced rotation.
	TypeUpdatePassword = "passwordBasedUpdatePassword"
)

// Login types.
const (
	LoginPasswordBased  = "passwordBased"
	LoginAnonymousBased = "anonymousBased"
	LoginDigidBased     = "digidBased"
	LoginKeycloakBased  = "keycloakBased"
)

// Two-step types.
const (
	TwoStepPasswordOtp  = "passwordBasedOtp"
	TwoStepTotpProvider = "totpProvider"
)

// Data is the session payload owned by the auth layer. The store treats it
// as an opaque blob guarded by a checksum.
type Data struct {
	UserID             uuid.UUID  `json:"userId"`
	LoginType          string     `json:"loginType"`
	Type               string     `json:"type"`
	TwoStepType        string     `json:"twoStepType,omitempty"`
	ImpersonatorUserID *uuid.UUID `json:"impersonatorUserId,omitempty"`
}

// Validate enforces the structural invariant on the blob.
func (d Data) Validate() error {
	if d.Type == TypeUser && d.UserID == uuid.Nil {
		return fmt.Errorf("session data: userId is required when type is %q", TypeUser)
	}
	return nil
}

// Checksum returns the content hash guarding the blob against tampering and
// stale concurrent updates. Marshaling a fixed struct is deterministic, so
// the hash is stable across write and load.
func (d Data) Checksum() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Session is the stored record plus its parsed data.
type Session struct {
	ID        uuid.UUID
	Data      Data
	RevokedAt *time.Time
	CreatedAt time.Time
}

// IsImpersonating reports whether this session was started on behalf of
// another user.
func (s *Session) IsImpersonating() bool {
	return s.Data.ImpersonatorUserID != nil
}

// TokenPair is what clients receive after login or rotation.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
