// Package token signs and verifies the bearer tokens that protect the ops
// API.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed parsing or validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token is past its allowed lifetime.
	ErrExpiredToken = errors.New("token expired")
)

// Manager issues and verifies HMAC-signed JWTs.
type Manager struct {
	method jwt.SigningMethod
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
}

// Options configures the token manager.
type Options struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
	Leeway     time.Duration
}

// Claims are the registered claims plus the caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// NewManager builds a Manager signing with HS256.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	leeway := opts.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Manager{
		method: jwt.SigningMethodHS256,
		secret: append([]byte(nil), opts.SigningKey...),
		issuer: strings.TrimSpace(opts.Issuer),
		ttl:    ttl,
		leeway: leeway,
	}, nil
}

// Issue signs a token for the given subject.
func (m *Manager) Issue(subject, role string, ttl time.Duration) (string, *Claims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", nil, fmt.Errorf("token subject is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies a token string and returns its claims.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithLeeway(m.leeway),
	)
	parsed, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
