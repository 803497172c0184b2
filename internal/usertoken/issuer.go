package usertoken

import (
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"rentalhub/pkg/domain"
)

// Issuer signs HS256 access tokens for authenticated users.
type Issuer struct {
	s   settings
	now func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &Issuer{s: s, now: time.Now}, nil
}

// TTL is the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.s.ttl }

// Issue returns a signed token whose subject is the principal ID.
func (i *Issuer) Issue(p domain.Principal) (string, time.Time, error) {
	now := i.now().UTC()
	expires := now.Add(i.s.ttl)
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(p.ID, 10),
			Issuer:    i.s.issuer,
			Audience:  jwt.ClaimStrings{i.s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}
