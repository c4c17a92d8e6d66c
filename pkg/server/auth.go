package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dshills/flowstudio/pkg/api"
)

// Issuer is the iss claim of every token this package mints
const Issuer = "flowstudio"

// ErrInvalidToken is returned for bearer tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// Tokens mints and validates HS256 bearer tokens whose subject is the user id
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token service. The secret must not be empty.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for userID
func (t *Tokens) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks a token and returns its subject
func (t *Tokens) Validate(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Authenticate requires a valid bearer token and stores its subject as the
// request's user identity
func (t *Tokens) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, nil, fmt.Errorf("%w: bearer token required", api.ErrAuthRequired))
			return
		}

		userID, err := t.Validate(token)
		if err != nil {
			writeError(w, nil, fmt.Errorf("%w: %w", api.ErrAuthRequired, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(api.WithUser(r.Context(), userID)))
	})
}
