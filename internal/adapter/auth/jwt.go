package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

const DefaultAccessTTL = 2 * time.Hour

type sessionClaims struct {
	UserID   string  `json:"userId"`
	Role     string  `json:"role"`
	TenantID *string `json:"tenantId"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 session tokens carrying userId, role and tenantId.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.Claims, error) {
	if token == "" {
		return domain.Claims{}, domain.ErrMissingCredential
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return domain.Claims{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	if claims.UserID == "" || claims.Role == "" {
		return domain.Claims{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidCredential)
	}

	out := domain.Claims{UserID: claims.UserID, Role: domain.Role(claims.Role)}
	if claims.TenantID != nil {
		out.TenantID = *claims.TenantID
	}
	return out, nil
}

// Issue signs an access token for claims. Login lives in another service;
// this is used by tooling and tests.
func (v *JWTVerifier) Issue(c domain.Claims, ttl time.Duration) (string, error) {
	if c.UserID == "" {
		return "", errors.New("auth: user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	now := v.now()
	sc := sessionClaims{
		UserID: c.UserID,
		Role:   string(c.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if c.TenantID != "" {
		tenant := c.TenantID
		sc.TenantID = &tenant
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(v.secret)
}
