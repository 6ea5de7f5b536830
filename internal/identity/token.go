package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenClassAccess  = "access"
	TokenClassRefresh = "refresh"

	defaultIssuer     = "veriam"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the signed payload of an issued token. Exactly one of
// (Application, Roles) or Applications is set, matching the request that
// minted it.
type Claims struct {
	Username     string              `json:"username"`
	TokenClass   string              `json:"token_class"`
	Application  string              `json:"app,omitempty"`
	Roles        []string            `json:"roles,omitempty"`
	Applications map[string][]string `json:"apps,omitempty"`
	Provider     string              `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair carries freshly minted access and refresh tokens.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenInput describes the identity and role data minted into a pair.
type TokenInput struct {
	PrincipalID  string
	Username     string
	Application  string
	Roles        []string
	Applications map[string][]string
	Provider     string
}

// TokenService issues and verifies signed, time-boxed claims. Verification is
// pure computation and safe for unrestricted concurrency.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: token secret is required", ErrConfiguration)
	}
	svc := &TokenService{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime. The access cache
// defaults its TTL to this so a cached decision never outlives the token that
// relies on it.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// GenerateTokenPair mints an access and a refresh token carrying the same
// claim shape. Exactly one of (Application+Roles) or Applications must be
// supplied; anything else is a caller wiring mistake and fails fast.
func (s *TokenService) GenerateTokenPair(in TokenInput) (TokenPair, error) {
	if strings.TrimSpace(in.PrincipalID) == "" || strings.TrimSpace(in.Username) == "" {
		return TokenPair{}, fmt.Errorf("%w: principal id and username are required", ErrInvalidInput)
	}
	single := in.Application != ""
	multi := len(in.Applications) > 0
	if single == multi {
		return TokenPair{}, fmt.Errorf("%w: exactly one of single- or multi-application role data must be supplied", ErrConfiguration)
	}
	if single && len(in.Roles) == 0 {
		return TokenPair{}, fmt.Errorf("%w: single-application token requires at least one role", ErrConfiguration)
	}

	now := s.now().UTC()
	access, accessExp, err := s.sign(in, TokenClassAccess, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(in, TokenClassRefresh, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(in TokenInput, class string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Username:     in.Username,
		TokenClass:   class,
		Application:  in.Application,
		Roles:        in.Roles,
		Applications: in.Applications,
		Provider:     in.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   in.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, expiry, issuer and token class. Callers
// rely on the expired/invalid/wrong-class distinction to decide between a
// refresh flow and a forced re-login.
func (s *TokenService) VerifyAccessToken(token string) (*Claims, error) {
	return s.verify(token, TokenClassAccess)
}

// VerifyRefreshToken is the refresh-class counterpart of VerifyAccessToken.
func (s *TokenService) VerifyRefreshToken(token string) (*Claims, error) {
	return s.verify(token, TokenClassRefresh)
}

func (s *TokenService) verify(token, wantClass string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now), jwt.WithIssuedAt())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	if claims.TokenClass != wantClass {
		return nil, ErrTokenWrongClass
	}
	return claims, nil
}
