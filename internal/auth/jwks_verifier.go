package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/yajmaan/sevaflow/internal/config"
)

const discoveryTimeout = 30 * time.Second

// TokenVerifier turns an identity provider token into an operator
type TokenVerifier interface {
	Verify(tokenString string) (*Operator, error)
	Close() error
}

// oidcClaims are the ID token claims sevaflow reads. Roles come either from a
// flat roles claim or from Keycloak's realm_access.
type oidcClaims struct {
	Email             string   `json:"email,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

func (c *oidcClaims) operator() *Operator {
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	roles := append(slices.Clone(c.Roles), c.RealmAccess.Roles...)
	slices.Sort(roles)
	return &Operator{
		ID:    c.Subject,
		Email: c.Email,
		Name:  name,
		Roles: slices.Compact(roles),
	}
}

// JWKSVerifier checks operator ID tokens against the issuer's published keys
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	stop     context.CancelFunc
}

// NewJWKSVerifier discovers the issuer's JWKS endpoint. Keys are refreshed in
// the background until Close.
func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	jwksURL, err := discoverJWKSURL(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: cfg.ClientID,
		stop:     stop,
	}, nil
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}
	resp, err := (&http.Client{Timeout: discoveryTimeout}).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return doc.JWKSURI, nil
}

// Verify checks signature, issuer, expiry and, when a client ID is
// configured, audience
func (v *JWKSVerifier) Verify(tokenString string) (*Operator, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &oidcClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidSubject
	}
	return claims.operator(), nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}
