// Package auth verifies bearer tokens and resolves them to user identities
// before a socket or REST request is admitted.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a token's signature and expiry and returns its subject.
type Verifier interface {
	Verify(token string) (string, error)
}

// Claims is the token payload. UserID carries the subject for tokens minted by
// issuers that do not set "sub".
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Options control signing and TTL.
type Options struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512, HS256 when empty
	TTL    time.Duration
	Issuer string
}

// JWTService signs and verifies HMAC tokens.
type JWTService struct {
	opts   Options
	method jwt.SigningMethod
}

// NewJWTService validates the options and returns a service.
func NewJWTService(opts Options) (*JWTService, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &JWTService{opts: opts, method: method}, nil
}

// Issue mints a token for userID. A non-positive ttl uses the configured TTL.
func (s *JWTService) Issue(userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.opts.Secret)
}

// Verify parses token and returns its subject. Only the configured HMAC
// algorithm is accepted and an expiry is required.
func (s *JWTService) Verify(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.opts.Secret, nil
	},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return "", fmt.Errorf("%w: no subject", jwt.ErrTokenInvalidClaims)
	}
	return subject, nil
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
