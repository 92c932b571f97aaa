package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

const clockSkew = 30 * time.Second

// TokenManager verifies the staff bearer tokens accepted by the ops surface.
// Tokens are minted by the back office; Issue exists for tooling and tests.
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// TokenOptions configures issuer and audience pinning. Empty values disable the check.
type TokenOptions struct {
	Issuer     string
	Audience   string
	TTLMinutes int
}

// NewTokenManager builds a manager for HS256 tokens signed with secret.
func NewTokenManager(secret string, opts TokenOptions) *TokenManager {
	ttl := time.Duration(opts.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret:   []byte(secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Claims is the token payload. Role is informational; the staff directory is authoritative.
type Claims struct {
	Kind domain.SubjectType `json:"subject"`
	Role domain.StaffRole   `json:"role"`
	jwt.RegisteredClaims
}

// StaffID returns the token's subject.
func (c *Claims) StaffID() string {
	return c.Subject
}

// Issue signs a token for a staff member.
func (tm *TokenManager) Issue(staffID string, role domain.StaffRole) (string, time.Time, error) {
	now := tm.now()
	expiresAt := now.Add(tm.ttl)
	registered := jwt.RegisteredClaims{
		Subject:   staffID,
		Issuer:    tm.issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	if tm.audience != "" {
		registered.Audience = jwt.ClaimStrings{tm.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Kind:             domain.SubjectTypeStaff,
		Role:             role,
		RegisteredClaims: registered,
	})
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses tokenStr and checks signature, expiry, issuer and audience.
func (tm *TokenManager) Verify(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(tm.now),
	}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}
	if tm.audience != "" {
		opts = append(opts, jwt.WithAudience(tm.audience))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.Kind != domain.SubjectTypeStaff {
		return nil, errors.New("token is not a staff token")
	}
	if claims.StaffID() == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
