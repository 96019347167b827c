package auth

import (
	"errors"
	"fmt"
	"time"

	"calltrack/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 24 * time.Hour
	// MaxTokenTTL caps long-lived tokens minted for telephony workers.
	MaxTokenTTL = 90 * 24 * time.Hour
	clockSkew   = 30 * time.Second
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Manager issues and verifies the HS256 tokens carried by API callers.
type Manager struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	m := &Manager{
		key:      []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		ttl:      cfg.TokenTTL,
	}
	if m.ttl <= 0 {
		m.ttl = defaultTokenTTL
	}
	return m, nil
}

// IssueToken signs a token for subject acting with role. A zero ttl uses
// the manager default; anything above MaxTokenTTL is refused.
func (m *Manager) IssueToken(now time.Time, subject, role string, ttl time.Duration) (string, error) {
	switch {
	case subject == "":
		return "", errors.New("subject is required")
	case role == "":
		return "", errors.New("role is required")
	case ttl > MaxTokenTTL:
		return "", fmt.Errorf("ttl %s exceeds maximum %s", ttl, MaxTokenTTL)
	case ttl <= 0:
		ttl = m.ttl
	}

	reg := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if m.audience != "" {
		reg.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: reg, Role: role}).SignedString(m.key)
}

// Verify checks signature, then time and audience claims against now.
func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Role == "" {
		return Claims{}, fmt.Errorf("%w: subject and role are required", ErrInvalidToken)
	}
	return claims, nil
}

func (m *Manager) validator(now time.Time) *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewValidator(opts...)
}
