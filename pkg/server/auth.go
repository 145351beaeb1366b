package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/openprobe/openprobe/pkg/config"
)

// Identity is the authenticated caller, extracted from the token claims.
type Identity struct {
	UserID         string
	OrganizationID string
	Roles          []string
}

type identityKey struct{}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// HasRole reports whether the identity carries the role. An empty role
// list on the route means any authenticated caller is allowed.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// authMiddleware builds the middleware for the configured mode.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	switch s.cfg.AuthMode {
	case config.AuthAPIKey:
		keys := make(map[string]bool, len(s.cfg.APIKeys))
		for _, key := range s.cfg.APIKeys {
			keys[key] = true
		}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !keys[bearerToken(r)] && !keys[r.Header.Get("X-Api-Key")] {
					writeErrorMessage(w, http.StatusUnauthorized, "invalid or missing API key")
					return
				}
				next.ServeHTTP(w, r)
			})
		}

	case config.AuthOIDC:
		verifier := newOIDCVerifier(s.cfg.OIDCIssuer, s.cfg.OIDCAudience)
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				token := bearerToken(r)
				if token == "" {
					writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				identity, err := verifier.verify(r.Context(), token)
				if err != nil {
					s.logger.WithError(err).Debug("token rejected")
					writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
					return
				}
				ctx := context.WithValue(r.Context(), identityKey{}, identity)
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}

	default:
		return func(next http.Handler) http.Handler { return next }
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// oidcVerifier validates JWTs against the issuer's JWKS, discovered via
// the issuer's well-known endpoint and refreshed on an interval.
type oidcVerifier struct {
	issuer   string
	audience string

	mu        sync.Mutex
	keys      jwk.Set
	fetchedAt time.Time
}

const jwksTTL = 15 * time.Minute

func newOIDCVerifier(issuer, audience string) *oidcVerifier {
	return &oidcVerifier{issuer: issuer, audience: audience}
}

func (v *oidcVerifier) verify(ctx context.Context, raw string) (Identity, error) {
	keys, err := v.keySet(ctx)
	if err != nil {
		return Identity{}, err
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keys),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("token validation failed: %w", err)
	}
	return identityFromToken(token), nil
}

func identityFromToken(token jwt.Token) Identity {
	var identity Identity
	_ = token.Get("sub", &identity.UserID)

	// Issuers disagree on the organization claim name.
	if err := token.Get("org_id", &identity.OrganizationID); err != nil {
		_ = token.Get("organization_id", &identity.OrganizationID)
	}
	_ = token.Get("roles", &identity.Roles)
	return identity
}

func (v *oidcVerifier) keySet(ctx context.Context) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil && time.Since(v.fetchedAt) < jwksTTL {
		return v.keys, nil
	}

	uri, err := discoverJWKS(ctx, v.issuer)
	if err != nil {
		return nil, err
	}
	keys, err := jwk.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	v.keys = keys
	v.fetchedAt = time.Now()
	return keys, nil
}

func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("OIDC discovery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery returned %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("OIDC discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}
