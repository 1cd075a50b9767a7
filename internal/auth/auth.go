package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kolokol/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultTokenExpiry = 12 * time.Hour

	issuer      = "kolokol"
	signingInfo = "kolokol access token v1"
	tokenCookie = "token"
)

type Config struct {
	Secret      string        `json:"secret"`
	signingKey  []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

// Validate decodes the base64 secret and derives the token signing key from it.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	c.signingKey = make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(signingInfo)), c.signingKey); err != nil {
		return fmt.Errorf("failed to derive signing key: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type Claims struct {
	jwt.RegisteredClaims
}

// UserStore resolves the profile of an authenticated user.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
}

type AuthService struct {
	Config
	users   UserStore
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func NewAuthService(ctx context.Context, config Config, users UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config: config,
		users:  users,
		// Revoked token IDs only need to outlive the tokens themselves.
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// Issue signs an access token for the user.
func (as *AuthService) Issue(userID string) (string, time.Time, error) {
	now := as.now()
	expires := now.Add(as.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(as.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", models.ErrAuthentication)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", models.ErrAuthentication)
	}
	return claims, nil
}

// GetUserID verifies the token and returns the user it was issued to.
func (as *AuthService) GetUserID(token string) (string, error) {
	claims, err := as.parse(token)
	if err != nil {
		return "", err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return "", fmt.Errorf("token revoked: %w", models.ErrAuthentication)
	}
	return claims.Subject, nil
}

// Authenticate resolves a token to the verified identity of a known user.
func (as *AuthService) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	userID, err := as.GetUserID(token)
	if err != nil {
		return models.Identity{}, err
	}

	user, err := as.users.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("unknown user %s: %w", userID, models.ErrAuthentication)
	}
	if err != nil {
		return models.Identity{}, models.WrapStorage("load identity", err)
	}

	return models.Identity{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}, nil
}

// Logoff revokes the token until it would have expired anyway.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, struct{}{})
	slog.Debug("token revoked", "user_id", claims.Subject)
	return nil
}

// TokenFromRequest extracts the access token from the Authorization header,
// the token header, the token cookie or the token query parameter. Browsers
// cannot set headers on WebSocket requests, hence the last two.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
