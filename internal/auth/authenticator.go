package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// AccessTokenType is the token_type claim value of tokens that may open
// sessions. Refresh tokens carry a different value and are refused.
const AccessTokenType = "access"

// Claims is the payload of an access token issued by the account service.
type Claims struct {
	UserID    int64  `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Config holds token verification settings
type Config struct {
	Secret string
	Issuer string
	Leeway time.Duration
}

// Authenticator resolves tokens to identities. It implements
// interfaces.Authenticator.
type Authenticator struct {
	users  interfaces.UserStore
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

var _ interfaces.Authenticator = (*Authenticator)(nil)

// NewAuthenticator creates an authenticator verifying HMAC-signed tokens
// with the configured secret.
func NewAuthenticator(cfg Config, users interfaces.UserStore, logger *slog.Logger) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Authenticator{
		users:  users,
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
		logger: logger.With("component", "auth"),
	}, nil
}

// Verify checks signature, expiry and token type and returns the claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims.TokenType != "" && claims.TokenType != AccessTokenType {
		return nil, ErrWrongTokenType
	}
	if claims.UserID <= 0 {
		return nil, ErrMissingUserID
	}
	return claims, nil
}

// Authenticate resolves token to the identity of an active user. Every
// failure resolves to the anonymous identity; the reason is logged.
func (a *Authenticator) Authenticate(ctx context.Context, token string) types.Identity {
	identity, err := a.resolve(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrMissingToken) {
			a.logger.Warn("token rejected", "reason", err)
		}
		return types.Anonymous()
	}
	return identity
}

func (a *Authenticator) resolve(ctx context.Context, token string) (types.Identity, error) {
	claims, err := a.Verify(token)
	if err != nil {
		return types.Anonymous(), err
	}

	user, err := a.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return types.Anonymous(), fmt.Errorf("user %d: %w", claims.UserID, err)
	}
	if !user.IsActive {
		return types.Anonymous(), fmt.Errorf("user %d: %w", claims.UserID, ErrInactiveUser)
	}
	return user.Identity(), nil
}

// QueryToken returns the token query parameter of a connection request.
func QueryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// BearerToken returns the token of an "Authorization: Bearer" header, or
// the empty string.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
