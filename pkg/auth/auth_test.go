package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(secret)
	jane := Identity{Subject: "7d0c3f5e-1a2b-4c3d-8e9f-001122334455", Email: "jane@example.com", Name: "Jane"}

	t.Run("valid", func(t *testing.T) {
		token, err := IssueToken(secret, jane, time.Hour)
		require.NoError(t, err)
		id, err := v.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, jane, *id)
		assert.Equal(t, "Jane", id.DisplayName())
	})

	cases := map[string]func(t *testing.T) string{
		"missing": func(t *testing.T) string { return "" },
		"garbage": func(t *testing.T) string { return "not.a.token" },
		"expired": func(t *testing.T) string {
			token, err := IssueToken(secret, jane, -time.Minute)
			require.NoError(t, err)
			return token
		},
		"wrong secret": func(t *testing.T) string {
			token, err := IssueToken("other", jane, time.Hour)
			require.NoError(t, err)
			return token
		},
		"no subject": func(t *testing.T) string {
			token, err := IssueToken(secret, Identity{Name: "nobody"}, time.Hour)
			require.NoError(t, err)
			return token
		},
		"no expiry": func(t *testing.T) string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
			}).SignedString([]byte(secret))
			require.NoError(t, err)
			return token
		},
		"wrong algorithm": func(t *testing.T) string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			}).SignedString([]byte(secret))
			require.NoError(t, err)
			return token
		},
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token(t))
			assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
		})
	}
}

func TestAnonymous(t *testing.T) {
	a, err := Anonymous{}.Verify(context.Background(), "")
	require.NoError(t, err)
	b, err := Anonymous{}.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Subject, b.Subject)

	named, err := Anonymous{}.Verify(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", named.DisplayName())
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/doc?token=query", nil)
	assert.Equal(t, "query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "query", TokenFromRequest(r))
}

func TestDisplayNameFallback(t *testing.T) {
	assert.Equal(t, "a@b.c", (&Identity{Subject: "s", Email: "a@b.c"}).DisplayName())
	assert.Equal(t, "s", (&Identity{Subject: "s"}).DisplayName())
}
