package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ProviderMetadata is the subset of the OpenID discovery document we use.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// Discover fetches <issuer>/.well-known/openid-configuration.
func Discover(ctx context.Context, client *http.Client, issuerURL string) (*ProviderMetadata, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("discovery document: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var md ProviderMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding discovery document: %w", err)
	}
	if md.Issuer == "" || md.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document at %s lacks issuer or jwks_uri", u)
	}
	return &md, nil
}
