// Package auth verifies signed credentials and derives the per-request
// access policy from their claims.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
)

// DefaultClockSkew is the tolerance applied to exp, nbf and iat.
const DefaultClockSkew = 5 * time.Second

// Claims are the verified contents of a credential. Lifetime is one request.
type Claims struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"roles"`
	Tenant    string    `json:"tenant"`
	StepUp    bool      `json:"stepUp"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
}

// Authorization bundles verified claims with the derived access filter.
type Authorization struct {
	Claims *Claims           `json:"claims"`
	Filter rbac.AccessFilter `json:"accessFilter"`
}

// tokenClaims is the wire shape of the credential payload.
type tokenClaims struct {
	Roles  []string `json:"roles,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	StepUp bool     `json:"stepUp,omitempty"`
	jwt.RegisteredClaims
}

// Options configures the Service.
type Options struct {
	Secret        config.Secret
	DefaultTenant string
	ClockSkew     time.Duration
	Now           func() time.Time
}

// OptionsFromSettings builds Options from configuration.
func OptionsFromSettings(c config.AuthConfig) Options {
	return Options{
		Secret:        c.JWTSecret,
		DefaultTenant: c.DefaultTenant,
		ClockSkew:     c.ClockSkew.Duration(),
	}
}

// Service verifies HS256 credentials.
type Service struct {
	opts   Options
	roles  *rbac.Service
	logger *logging.Logger
}

// NewService creates an authentication service.
func NewService(roles *rbac.Service, opts Options, logger *logging.Logger) *Service {
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{opts: opts, roles: roles, logger: logger.Named("auth")}
}

// VerifyJWT verifies the signature and time claims of token and returns
// its claims with defaults applied.
func (s *Service) VerifyJWT(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &InvalidTokenError{Reason: "token is empty"}
	}
	if !s.opts.Secret.IsSet() {
		return nil, &ConfigError{Key: "auth.jwt_secret"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.opts.ClockSkew),
		jwt.WithTimeFunc(s.opts.Now),
	)

	var tc tokenClaims
	_, err := parser.ParseWithClaims(token, &tc, func(*jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret.Value()), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &ExpiredError{ExpiredAt: numericTime(tc.ExpiresAt)}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, &NotYetValidError{NotBefore: numericTime(tc.NotBefore)}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &InvalidTokenError{Reason: "signature verification failed", Err: err}
	default:
		return nil, &InvalidTokenError{Reason: "malformed token", Err: err}
	}

	// The parser already applied exp/nbf with leeway; keep the explicit
	// checks so the error types do not depend on parser internals.
	now := s.opts.Now()
	if tc.ExpiresAt != nil && now.After(tc.ExpiresAt.Add(s.opts.ClockSkew)) {
		return nil, &ExpiredError{ExpiredAt: tc.ExpiresAt.Time}
	}
	if tc.NotBefore != nil && now.Before(tc.NotBefore.Add(-s.opts.ClockSkew)) {
		return nil, &NotYetValidError{NotBefore: tc.NotBefore.Time}
	}

	claims := &Claims{
		Subject:   tc.Subject,
		Roles:     tc.Roles,
		Tenant:    strings.TrimSpace(tc.Tenant),
		StepUp:    tc.StepUp,
		ExpiresAt: numericTime(tc.ExpiresAt),
		IssuedAt:  numericTime(tc.IssuedAt),
	}
	if claims.Roles == nil {
		claims.Roles = []string{}
	}
	if claims.Tenant == "" {
		claims.Tenant = s.opts.DefaultTenant
	}

	s.logger.Debug(ctx, "credential verified",
		zap.String("subject", claims.Subject),
		zap.Int("roles", len(claims.Roles)),
		zap.Bool("step_up", claims.StepUp))
	return claims, nil
}

// GenerateAccessPolicy derives the access filter for claims.
func (s *Service) GenerateAccessPolicy(ctx context.Context, claims *Claims) rbac.AccessFilter {
	tags := s.roles.GenerateAccessTags(ctx, claims.Roles, claims.Tenant)
	return rbac.AccessFilter{
		AllowTags:         tags.AllowTags,
		MaxClassification: rbac.ClassificationCap(len(claims.Roles) > 0, claims.StepUp),
	}
}

// AuthenticateAndAuthorize verifies token and derives its access filter.
func (s *Service) AuthenticateAndAuthorize(ctx context.Context, token string) (*Authorization, error) {
	claims, err := s.VerifyJWT(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Authorization{Claims: claims, Filter: s.GenerateAccessPolicy(ctx, claims)}, nil
}

// IssueToken signs claims with the configured secret. It exists for
// development tooling and tests; production credentials come from the
// identity provider.
func (s *Service) IssueToken(claims Claims, ttl time.Duration) (string, error) {
	if !s.opts.Secret.IsSet() {
		return "", &ConfigError{Key: "auth.jwt_secret"}
	}
	now := s.opts.Now()
	tc := tokenClaims{
		Roles:  claims.Roles,
		Tenant: claims.Tenant,
		StepUp: claims.StepUp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(s.opts.Secret.Value()))
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}
