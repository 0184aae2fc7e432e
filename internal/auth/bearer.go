// bearer.go -- Bearer tokens for non-browser clients.
//
// A bearer token is an HS256 JWT naming a session id. Validating one still
// goes through SessionStore, so destroying the session revokes the token.
// Bearer requests carry no ambient browser credential and skip CSRF.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const bearerIssuer = "bastion"

type bearerClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// BearerTokens signs and verifies bearer tokens.
type BearerTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewBearerTokens returns a signer using key for tokens valid for ttl.
func NewBearerTokens(key []byte, ttl time.Duration) *BearerTokens {
	return &BearerTokens{key: key, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the session and its expiry.
func (b *BearerTokens) Issue(userID uuid.UUID, sessionID string) (string, time.Time, error) {
	now := b.now()
	exp := now.Add(b.ttl)
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token id: %w", err)
	}
	claims := bearerClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    bearerIssuer,
			Subject:   userID.String(),
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing bearer token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns the session id and subject it names.
// Any failure is ErrSessionInvalid.
func (b *BearerTokens) Parse(token string) (string, uuid.UUID, error) {
	var claims bearerClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(bearerIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		return "", uuid.Nil, errors.Join(ErrSessionInvalid, err)
	}
	if claims.SessionID == "" {
		return "", uuid.Nil, ErrSessionInvalid
	}
	sub, err := uuid.FromString(claims.Subject)
	if err != nil {
		return "", uuid.Nil, ErrSessionInvalid
	}
	return claims.SessionID, sub, nil
}
