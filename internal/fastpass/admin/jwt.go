// Package admin exposes the endpoint's control surface: a JSON/REST API
// over go-zero, JWT-authenticated admin actions, a rate limiter on the
// reset endpoint, and a gRPC health check — adapted from the teacher's
// gateway svc/jwt/middleware stack.
package admin

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingClaims    = errors.New("missing required claims")
)

// Role names the privilege level an admin token carries.
type Role string

const (
	RoleViewer Role = "viewer" // read GET /admin/breakers
	RoleAdmin  Role = "admin"  // also POST /admin/reset
)

// Claims identifies the operator an admin token was issued to.
type Claims struct {
	OperatorID string `json:"operator_id"`
	Role       Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 admin tokens.
type TokenManager struct {
	secret []byte
	expire time.Duration
	issuer string
}

// NewTokenManager builds a TokenManager. expireSeconds <= 0 defaults to
// one hour.
func NewTokenManager(secret string, expireSeconds int64, issuer string) *TokenManager {
	expire := time.Hour
	if expireSeconds > 0 {
		expire = time.Duration(expireSeconds) * time.Second
	}
	return &TokenManager{secret: []byte(secret), expire: expire, issuer: issuer}
}

// GenerateToken issues a token for operatorID with the given role.
func (m *TokenManager) GenerateToken(operatorID string, role Role) (string, error) {
	now := time.Now()
	claims := Claims{
		OperatorID: operatorID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expire)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyToken validates tokenString's signature, expiry, and required claims.
func (m *TokenManager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.OperatorID == "" || claims.Role == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}

// GetExpire returns the token lifetime new tokens are issued with.
func (m *TokenManager) GetExpire() time.Duration {
	return m.expire
}
