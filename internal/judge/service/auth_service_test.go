package service_test

import (
	"context"
	"testing"
	"time"

	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const jwtSecret = "test-secret"

func signSession(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return raw
}

func TestAuthServiceAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	auth := service.NewAuthService(jwtSecret, "judgeflow", env.cache)
	valid := jwt.MapClaims{"sub": "u1", "iss": "judgeflow", "typ": "access", "role": "user", "exp": time.Now().Add(time.Hour).Unix()}

	info, err := auth.Authenticate(context.Background(), signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), valid))
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if info.ID != "u1" || info.Role != "user" {
		t.Fatalf("unexpected user %+v", info)
	}

	tests := []struct {
		name string
		raw  string
		code appErr.ErrorCode
	}{
		{name: "empty", raw: "", code: appErr.Unauthorized},
		{name: "garbage", raw: "a.b.c", code: appErr.TokenInvalid},
		{name: "wrong secret", raw: signSession(t, jwt.SigningMethodHS256, []byte("other"), valid), code: appErr.TokenInvalid},
		{name: "wrong algorithm", raw: signSession(t, jwt.SigningMethodHS512, []byte(jwtSecret), valid), code: appErr.TokenInvalid},
		{name: "expired", raw: signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), jwt.MapClaims{"sub": "u1", "iss": "judgeflow", "exp": time.Now().Add(-time.Minute).Unix()}), code: appErr.TokenExpired},
		{name: "issuer", raw: signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), jwt.MapClaims{"sub": "u1", "iss": "elsewhere"}), code: appErr.TokenInvalid},
		{name: "refresh token", raw: signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), jwt.MapClaims{"sub": "u1", "iss": "judgeflow", "typ": "refresh"}), code: appErr.TokenInvalid},
		{name: "no subject", raw: signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), jwt.MapClaims{"iss": "judgeflow"}), code: appErr.TokenInvalid},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.Authenticate(context.Background(), tt.raw); !appErr.Is(err, tt.code) {
				t.Fatalf("expected %v, got %v", tt.code, err)
			}
		})
	}
}

func TestAuthServiceBlacklist(t *testing.T) {
	env := newTestEnv(t)
	auth := service.NewAuthService(jwtSecret, "", env.cache)
	raw := signSession(t, jwt.SigningMethodHS256, []byte(jwtSecret), jwt.MapClaims{"sub": "u1"})

	if _, err := auth.Authenticate(context.Background(), raw); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if err := env.cache.Set(context.Background(), service.SessionBlacklistKey(raw), "1", time.Minute); err != nil {
		t.Fatalf("blacklist failed: %v", err)
	}
	if _, err := auth.Authenticate(context.Background(), raw); !appErr.Is(err, appErr.TokenInvalid) {
		t.Fatalf("expected blacklisted token to fail, got %v", err)
	}
}
