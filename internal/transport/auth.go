package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/config"
	"github.com/pitabwire/xrpc/model"
)

// JWKSClient fetches and caches JSON Web Key Sets from an identity provider.
type JWKSClient struct {
	mu         sync.RWMutex
	url        string
	keys       map[string]crypto.PublicKey
	lastFetch  time.Time
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewJWKSClient creates a new JWKS client that fetches keys from the given
// URL and caches them for the given TTL.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		keys:       make(map[string]crypto.PublicKey),
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// GetKey returns the public key for the given key ID. If the key is not
// cached or the cache is expired, the JWKS endpoint is fetched.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.lastFetch) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		// Degraded mode: use cached key if available.
		c.mu.RLock()
		key, ok = c.keys[kid]
		c.mu.RUnlock()
		if ok {
			c.logger.Warn("jwks: refresh failed, using cached key", zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	tooSoon := time.Since(c.lastFetch) < c.minRefresh && len(c.keys) > 0
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var jwks struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, raw := range jwks.Keys {
		var jwk map[string]any
		if err := json.Unmarshal(raw, &jwk); err != nil {
			continue
		}
		kid, _ := jwk["kid"].(string)
		if kid == "" {
			continue
		}
		kty, _ := jwk["kty"].(string)
		var key crypto.PublicKey
		switch kty {
		case "RSA":
			key, err = parseRSAKey(jwk)
		case "EC":
			key, err = parseECKey(jwk)
		default:
			continue
		}
		if err != nil {
			c.logger.Warn("jwks: failed to parse key", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()

	return nil
}

func parseRSAKey(jwk map[string]any) (*rsa.PublicKey, error) {
	nStr, _ := jwk["n"].(string)
	eStr, _ := jwk["e"].(string)
	if nStr == "" || eStr == "" {
		return nil, fmt.Errorf("missing n or e")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECKey(jwk map[string]any) (*ecdsa.PublicKey, error) {
	crv, _ := jwk["crv"].(string)
	xStr, _ := jwk["x"].(string)
	yStr, _ := jwk["y"].(string)
	if crv == "" || xStr == "" || yStr == "" {
		return nil, fmt.Errorf("missing crv, x, or y")
	}
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xStr)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yStr)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// Credentials describe the principal behind a verified bearer token. They are
// stored in model.AuthResult.Credentials.
type Credentials struct {
	Subject string
	Roles   []string
	Claims  map[string]any
}

// HasRole reports whether the principal carries role.
func (c *Credentials) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// CredentialsFrom extracts bearer credentials from an auth result.
func CredentialsFrom(res *model.AuthResult) (*Credentials, bool) {
	if res == nil {
		return nil, false
	}
	c, ok := res.Credentials.(*Credentials)
	return c, ok && c != nil
}

// BearerVerifier verifies JWT bearer tokens against a JWKS endpoint. It
// implements model.AuthVerifier; the raw token is kept as the auth artifact.
type BearerVerifier struct {
	cfg  config.IdentityConfig
	jwks *JWKSClient
}

var _ model.AuthVerifier = (*BearerVerifier)(nil)

// NewBearerVerifier creates a verifier for the configured issuer and
// audience.
func NewBearerVerifier(cfg config.IdentityConfig, jwks *JWKSClient) *BearerVerifier {
	return &BearerVerifier{cfg: cfg, jwks: jwks}
}

// Verify authenticates the Authorization header of r.
func (v *BearerVerifier) Verify(_ context.Context, r *http.Request) (*model.AuthResult, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, model.NewAuthRequiredError("Missing authorization header")
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, model.NewAuthRequiredError("Invalid authorization header format")
	}
	tokenStr := auth[7:]

	token, err := jwt.Parse(tokenStr,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("missing kid in token header")
			}
			return v.jwks.GetKey(kid)
		},
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, model.NewAuthRequiredError(classifyJWTError(err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, model.NewAuthRequiredError("Invalid token")
	}

	return &model.AuthResult{
		Credentials: v.credentials(claims),
		Artifacts:   tokenStr,
	}, nil
}

func (v *BearerVerifier) credentials(claims jwt.MapClaims) *Credentials {
	subjectPath, rolesPath := "sub", "roles"
	if p := v.cfg.ClaimPaths["subject"]; p != "" {
		subjectPath = p
	}
	if p := v.cfg.ClaimPaths["roles"]; p != "" {
		rolesPath = p
	}
	m := map[string]any(claims)
	return &Credentials{
		Subject: extractClaimString(m, subjectPath),
		Roles:   extractClaimStringSlice(m, rolesPath),
		Claims:  m,
	}
}

// RequireRole wraps a verifier and rejects principals without role with a
// Forbidden error.
func RequireRole(next model.AuthVerifier, role string) model.AuthVerifier {
	return model.AuthVerifierFunc(func(ctx context.Context, r *http.Request) (*model.AuthResult, error) {
		res, err := next.Verify(ctx, r)
		if err != nil {
			return nil, err
		}
		if c, ok := CredentialsFrom(res); !ok || !c.HasRole(role) {
			return nil, model.NewForbiddenError("Missing required role " + role)
		}
		return res, nil
	})
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "kid"):
		return "Unknown signing key"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// extractClaim walks a dot-separated path through nested claim maps.
func extractClaim(claims map[string]any, path string) any {
	if claims == nil {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	v, _ := extractClaim(claims, path).(string)
	return v
}

func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch raw := extractClaim(claims, path).(type) {
	case []string:
		return raw
	case []any:
		result := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}
