package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/http/middleware"
	appErr "judgeflow/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const sessionBlacklistPrefix = "judge:session:blacklist:"

// UserInfo is the identity carried by a session token.
type UserInfo = middleware.Identity

// AuthService validates session tokens for the notification stream.
type AuthService struct {
	jwtSecret []byte
	jwtIssuer string
	blacklist cache.BasicOps
}

// NewAuthService creates an auth service. blacklist may be nil.
func NewAuthService(jwtSecret, jwtIssuer string, blacklist cache.BasicOps) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		jwtIssuer: jwtIssuer,
		blacklist: blacklist,
	}
}

type sessionClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate parses raw and returns the user it was issued for.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (UserInfo, error) {
	if raw == "" {
		return UserInfo{}, appErr.New(appErr.Unauthorized)
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return UserInfo{}, err
	}
	if s.blacklist != nil {
		n, err := s.blacklist.Exists(ctx, SessionBlacklistKey(raw))
		if err != nil {
			return UserInfo{}, appErr.Wrap(err, appErr.ServiceUnavailable)
		}
		if n > 0 {
			return UserInfo{}, appErr.New(appErr.TokenInvalid)
		}
	}
	return UserInfo{ID: claims.Subject, Role: claims.Role}, nil
}

func (s *AuthService) parseToken(raw string) (*sessionClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.New(appErr.TokenExpired)
		}
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if s.jwtIssuer != "" && claims.Issuer != s.jwtIssuer {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	return claims, nil
}

// SessionBlacklistKey is the cache key that revokes a session token.
func SessionBlacklistKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return sessionBlacklistPrefix + hex.EncodeToString(sum[:])
}
