package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV provider.
type VaultConfig struct {
	// Address is the Vault server base URL, e.g. "https://vault.internal:8200".
	Address string

	// Token authenticates every request.
	Token string

	// Prefix is prepended to every reference to form the secret path,
	// e.g. "secret/data/" for a KV v2 mount.
	Prefix string

	// KVVersion selects the key-value engine version (1 or 2).
	KVVersion int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// VaultProvider resolves references against a HashiCorp Vault KV engine
// over its HTTP API. Raw data payloads are cached for five minutes keyed
// by (path, version).
type VaultProvider struct {
	cfg    VaultConfig
	client *http.Client
	cache  *ttlCache
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.KVVersion == 0 {
		cfg.KVVersion = 2
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &VaultProvider{
		cfg:    cfg,
		client: client,
		cache:  newTTLCache(defaultCacheTTL),
	}, nil
}

// Name implements Provider.
func (p *VaultProvider) Name() string { return "vault" }

// Resolve fetches prefix+ref from Vault. With Options.Field set, a single
// field of the data object is returned; otherwise the whole data object is
// returned JSON-encoded.
func (p *VaultProvider) Resolve(ctx context.Context, ref string, opts Options) (string, error) {
	raw, err := p.fetch(ctx, ref, opts.Version)
	if err != nil {
		return "", err
	}
	if opts.Field == "" {
		return raw, nil
	}
	return extractField(raw, opts.Field)
}

// fetch returns the JSON-encoded data object for the secret path.
func (p *VaultProvider) fetch(ctx context.Context, ref, version string) (string, error) {
	path := p.cfg.Prefix + ref
	cacheKey := path + "\x00" + version
	if value, ok := p.cache.get(cacheKey); ok {
		return value, nil
	}

	endpoint := strings.TrimSuffix(p.cfg.Address, "/") + "/v1/" + path
	if p.cfg.KVVersion == 2 && version != "" {
		endpoint += "?version=" + url.QueryEscape(version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build vault request: %w", err)
	}
	if p.cfg.Token != "" {
		req.Header.Set("X-Vault-Token", p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vault returned %d for %q: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}

	data := envelope.Data
	if p.cfg.KVVersion == 2 {
		// KV v2 nests the payload one level deeper: {"data": {"data": {...}}}.
		var inner struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(envelope.Data, &inner); err != nil {
			return "", fmt.Errorf("failed to decode vault kv2 payload: %w", err)
		}
		data = inner.Data
	}
	if len(data) == 0 {
		return "", fmt.Errorf("vault secret %q has no data", path)
	}

	raw := string(data)
	p.cache.set(cacheKey, raw)
	return raw, nil
}

// Validate checks that the Vault server is reachable and the token valid.
func (p *VaultProvider) Validate(ctx context.Context) error {
	endpoint := strings.TrimSuffix(p.cfg.Address, "/") + "/v1/auth/token/lookup-self"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault is unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vault token lookup returned %d", resp.StatusCode)
	}
	return nil
}
