package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// Token kinds. A refresh token must never pass where an access token is
// expected, so the kind is part of the signed payload.
const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

type tokenClaims struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sid,omitempty"`
	TokenID   string `json:"tid"`
	jwt.RegisteredClaims
}

// signToken produces an HS256-signed bearer string.
func signToken(key []byte, kind string, sessionID, tokenID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		Kind:    kind,
		TokenID: tokenID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if kind == kindAccess {
		claims.SessionID = sessionID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperr.Server("sessionStore.signToken", err)
	}
	return signed, nil
}

// parsedToken is the verified payload of a bearer string.
type parsedToken struct {
	kind      string
	sessionID uuid.UUID
	tokenID   uuid.UUID
}

// verifyToken checks the signature and expiry and enforces the expected
// kind. All failures are 401s with an ambiguous key.
func verifyToken(key []byte, tokenString, expectedKind string) (*parsedToken, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperr.Unauthorized("sessionStore.verifyToken.invalidToken")
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || claims.Kind != expectedKind {
		return nil, apperr.Unauthorized("sessionStore.verifyToken.invalidToken")
	}

	tokenID, err := uuid.Parse(claims.TokenID)
	if err != nil {
		return nil, apperr.Unauthorized("sessionStore.verifyToken.invalidToken")
	}

	parsed := &parsedToken{kind: claims.Kind, tokenID: tokenID}
	if claims.Kind == kindAccess {
		parsed.sessionID, err = uuid.Parse(claims.SessionID)
		if err != nil {
			return nil, apperr.Unauthorized("sessionStore.verifyToken.invalidToken")
		}
	}
	return parsed, nil
}
