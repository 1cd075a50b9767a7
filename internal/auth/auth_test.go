package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"kolokol/internal/models"

	"github.com/stretchr/testify/require"
)

type mockUsers map[string]models.User

func (m mockUsers) GetUser(_ context.Context, userID string) (models.User, error) {
	u, ok := m[userID]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	users := mockUsers{
		"u1": {ID: "u1", UserName: "alice", DisplayName: "Alice", AvatarURL: "/a.png"},
	}

	createService := func(t *testing.T, secret string) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
			TokenExpiry: time.Hour,
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		svc, err := NewAuthService(ctx, cfg, users)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	t.Run("IssueAndAuthenticate", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")

		token, expires, err := svc.Issue("u1")
		require.NoError(t, err)
		require.Equal(t, int64(t0Unix+3600), expires.Unix())

		identity, err := svc.Authenticate(context.Background(), token)
		require.NoError(t, err)
		require.Equal(t, models.Identity{UserID: "u1", DisplayName: "Alice", AvatarURL: "/a.png"}, identity)
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t, "server-secret")

		token, _, err := svc.Issue("u1")
		require.NoError(t, err)

		*now = now.Add(2 * time.Hour)
		_, err = svc.GetUserID(token)
		require.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		other, _ := createService(t, "another-secret")

		token, _, err := other.Issue("u1")
		require.NoError(t, err)

		_, err = svc.GetUserID(token)
		require.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		token, _, err := svc.Issue("ghost")
		require.NoError(t, err)

		_, err = svc.Authenticate(context.Background(), token)
		require.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		token, _, err := svc.Issue("u1")
		require.NoError(t, err)

		require.NoError(t, svc.Logoff(token))
		_, err = svc.GetUserID(token)
		require.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("Garbage", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
			_, err := svc.GetUserID(token)
			require.True(t, errors.Is(err, models.ErrAuthentication), "token %q: %v", token, err)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Secret: "%%%"}
	require.Error(t, cfg.Validate())

	cfg = Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
	require.Len(t, cfg.signingKey, 32)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/chat?token=query", nil)
	require.Equal(t, "query", TokenFromRequest(r))

	r.Header.Set("token", "header")
	require.Equal(t, "header", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer bearer")
	require.Equal(t, "bearer", TokenFromRequest(r))
}
