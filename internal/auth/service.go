package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Roles carried in the token's role claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const defaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("jwt secret is required")
)

// Identity is the authenticated caller. UserID is opaque to the rest of the service.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type Service interface {
	IssueToken(userID, role string) (string, error)
	ValidateToken(ctx context.Context, token string) (Identity, error)
	// VerifyServiceToken checks the payment collaborator's shared token.
	VerifyServiceToken(token string) bool
}

type service struct {
	secret           []byte
	ttl              time.Duration
	serviceTokenHash []byte
	now              func() time.Time
}

// NewService validates HS256 tokens signed with secret. serviceTokenHash is
// the bcrypt hash of the grant path's service token; empty disables that path.
func NewService(secret string, ttl time.Duration, serviceTokenHash string) (*service, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &service{
		secret:           []byte(secret),
		ttl:              ttl,
		serviceTokenHash: []byte(serviceTokenHash),
		now:              time.Now,
	}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) IssueToken(userID, role string) (string, error) {
	if role == "" {
		role = RoleUser
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (Identity, error) {
	_ = ctx
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: c.Subject, Role: role}, nil
}

func (s *service) VerifyServiceToken(token string) bool {
	if len(s.serviceTokenHash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.serviceTokenHash, []byte(token)) == nil
}
