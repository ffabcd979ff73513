// Package token issues and verifies room connection credentials.
//
// The room provider accepts an HMAC-signed JWT naming the joining identity
// and the room. Tokens are short-lived; the session layer requests one per
// connection attempt.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken indicates a token that failed signature or claims checks.
	ErrInvalidToken = errors.New("token: invalid room token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("token: room token expired")
)

// Claims are the validated contents of a room token.
type Claims struct {
	Identity  string
	Room      string
	ExpiresAt time.Time
}

// roomClaims is the internal claims type used for JWT signing and parsing.
type roomClaims struct {
	jwt.RegisteredClaims
	Room string `json:"room"`
}

// Issuer mints room connection tokens for a user identity and room name.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a token issuer. The secret is shared with the room
// provider; ttl bounds how long a minted token stays usable.
func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue mints a token granting identity access to room.
func (i *Issuer) Issue(identity, room string) (string, error) {
	identity = strings.TrimSpace(identity)
	room = strings.TrimSpace(room)
	if identity == "" {
		return "", errors.New("token: identity is required")
	}
	if room == "" {
		return "", errors.New("token: room is required")
	}

	now := i.now().UTC()
	claims := roomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Room: room,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature and claims and returns its contents.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	var parsed roomClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	if parsed.Subject == "" || parsed.Room == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{
		Identity: parsed.Subject,
		Room:     parsed.Room,
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}
