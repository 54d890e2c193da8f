package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const clockSkew = 30 * time.Second

// Authenticator checks HS256 bearer tokens.
type Authenticator struct {
	key []byte
	now func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{key: []byte(secret), now: time.Now}
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Validate returns the subject of a valid token.
func (a *Authenticator) Validate(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return claims.Subject, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	default:
		return "", ErrInvalidToken
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			s.error(w, r, http.StatusUnauthorized, "authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || scheme != "Bearer" || token == "" {
			s.error(w, r, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		if _, err := s.auth.Validate(token); err != nil {
			s.error(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
