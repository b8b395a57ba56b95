package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Role distinguishes the two kinds of identity-provider tokens we accept.
type Role string

const (
	RoleStudent    Role = "student"
	RoleSupervisor Role = "supervisor"
)

// Claims are the identity provider's JWT claims this service relies on.
type Claims struct {
	jwt.RegisteredClaims
	Role    Role `json:"role"`
	UserID  int  `json:"user_id"`
	ClassID *int `json:"class_id,omitempty"` // Student only
}

// Actor converts the claims into the actor passed to finalize and reads.
func (c *Claims) Actor() model.Actor {
	return model.Actor{UserID: c.UserID, Supervisor: c.Role == RoleSupervisor}
}

// AuthService validates tokens minted by the identity provider. Issuing
// tokens and managing logins happen there, not here.
type AuthService struct {
	secret []byte
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret)}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("token has no user")
	}
	switch claims.Role {
	case RoleStudent, RoleSupervisor:
	default:
		return nil, fmt.Errorf("unsupported role %q", claims.Role)
	}
	return claims, nil
}
