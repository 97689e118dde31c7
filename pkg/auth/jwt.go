package auth

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/mantle/pkg/config"
)

// TokenService signs and verifies service-issued JWTs with a shared secret.
type TokenService struct {
	secret []byte
	alg    jwa.SignatureAlgorithm
	expiry time.Duration
}

func NewTokenService(cfg config.JWTConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}

	var alg jwa.SignatureAlgorithm
	switch cfg.Algorithm {
	case "", "HS256":
		alg = jwa.HS256
	case "HS384":
		alg = jwa.HS384
	case "HS512":
		alg = jwa.HS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		alg:    alg,
		expiry: cfg.Expiry,
	}, nil
}

// Issue signs a token for the user. A non-positive ttl uses the configured
// default expiry.
func (s *TokenService) Issue(userID, role string, workspaceIDs []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.expiry
	}
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("role", role).
		Claim("workspace_ids", workspaceIDs).
		Build()
	if err != nil {
		return "", fmt.Errorf("building token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(s.alg, s.secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return string(signed), nil
}

// Verify validates signature and expiry and extracts the claims.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(s.alg, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{UserID: token.Subject()}

	if role, ok := token.Get("role"); ok {
		if str, ok := role.(string); ok {
			claims.Role = str
		}
	}
	if claims.Role == "" {
		claims.Role = RoleMember
	}

	if raw, ok := token.Get("workspace_ids"); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if str, ok := item.(string); ok {
					claims.WorkspaceIDs = append(claims.WorkspaceIDs, str)
				}
			}
		}
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

// User converts claims into the caller identity used by stores.
func (c *Claims) User() *CurrentUser {
	return &CurrentUser{
		ID:           c.UserID,
		Role:         c.Role,
		WorkspaceIDs: c.WorkspaceIDs,
	}
}
