package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "subastahub"

// ErrInvalidToken indicates the token failed signature or claim validation.
var ErrInvalidToken = errors.New("invalid token")

// Role is the authorization level carried by an identity.
type Role string

const (
	RoleUser           Role = "USER"
	RoleAuctionManager Role = "AUCTION_MANAGER"
	RoleAdmin          Role = "ADMIN"
)

// Identity is the authenticated principal attached to a connection at
// upgrade time. It is immutable for the life of the connection.
type Identity struct {
	UserID    string
	Email     string
	Role      Role
	TenantID  string
	CompanyID string
}

// Claims represents the JWT claims issued by the credential service.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	TenantID  string `json:"tenantId"`
	CompanyID string `json:"companyId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates signed bearer tokens against a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates a signed token and returns the identity it
// carries. Any failure (bad signature, expiry, missing claims) returns
// ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      Role(claims.Role),
		TenantID:  claims.TenantID,
		CompanyID: claims.CompanyID,
	}, nil
}

// GenerateToken signs a JWT for the given identity using HS256. Used by the
// credential service and by tests; the realtime layer only verifies.
func (v *Verifier) GenerateToken(id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := Claims{
		Email:     id.Email,
		Role:      string(id.Role),
		TenantID:  id.TenantID,
		CompanyID: id.CompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return errors.New("tenant missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	return nil
}
