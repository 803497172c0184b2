package usertoken

import (
	"errors"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"rentalhub/pkg/domain"
)

const (
	defaultIssuer   = "rentalhub-auth"
	defaultAudience = "rentalhub-api"
	defaultLeeway   = 30 * time.Second
	defaultTTL      = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// Config configures user access-token signing and verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// Claims carries the caller identity inside an access token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type settings struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
}

func resolve(cfg Config) (settings, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return settings{}, errors.New("token secret required")
	}
	s := settings{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      cfg.TTL,
		leeway:   cfg.Leeway,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.audience == "" {
		s.audience = defaultAudience
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.leeway <= 0 {
		s.leeway = defaultLeeway
	}
	return s, nil
}

// Verifier validates HS256 access tokens and extracts the principal.
type Verifier struct {
	s settings
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &Verifier{s: s}, nil
}

// VerifyPrincipal validates the token and returns the caller identity.
func (v *Verifier) VerifyPrincipal(token string) (domain.Principal, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.s.issuer),
		jwt.WithAudience(v.s.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.s.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = ErrInvalidToken
		}
		return domain.Principal{}, errors.Join(ErrInvalidToken, err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || id <= 0 {
		return domain.Principal{}, errors.Join(ErrInvalidToken, errors.New("token subject missing"))
	}
	role := domain.UserRole(claims.Role)
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.Principal{}, errors.Join(ErrInvalidToken, errors.New("token role invalid"))
	}
	return domain.Principal{ID: id, Role: role}, nil
}
