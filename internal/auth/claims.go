package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants export and template administration.
const RoleAdmin = "admin"

var (
	ErrMissingSigningKey = errors.New("claims validator: signing key required")
	ErrMissingIssuer     = errors.New("claims validator: issuer required")
	ErrMissingToken      = errors.New("claims validator: token required")
	ErrInvalidToken      = errors.New("claims validator: invalid token")
	ErrExpiredToken      = errors.New("claims validator: token expired")
	ErrMissingSubject    = errors.New("claims validator: investor id required")
)

// Claims mirrors the JWT payload issued by the platform identity service.
type Claims struct {
	InvestorID string   `json:"investor_id"`
	Email      string   `json:"email"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the caller holds role.
func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// ClaimsValidatorConfig describes how to validate platform-issued JWTs.
type ClaimsValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// ClaimsValidator validates HS256 bearer tokens.
type ClaimsValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewClaimsValidator constructs a validator with the provided configuration.
func NewClaimsValidator(cfg ClaimsValidatorConfig) (*ClaimsValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ClaimsValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *ClaimsValidator) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.InvestorID) == "" {
		claims.InvestorID = claims.Subject
	}
	if strings.TrimSpace(claims.InvestorID) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *ClaimsValidator) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
