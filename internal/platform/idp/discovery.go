package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Metadata is the subset of an OpenID Provider configuration document this
// service needs.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// Discover fetches issuer's /.well-known/openid-configuration.
func Discover(ctx context.Context, httpClient *http.Client, issuer string) (*Metadata, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	url := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document returned status %d", resp.StatusCode)
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document for %s lacks authorization or token endpoint", issuer)
	}
	if len(md.CodeChallengeMethodsSupported) > 0 && !contains(md.CodeChallengeMethodsSupported, "S256") {
		return nil, fmt.Errorf("provider %s does not support S256 code challenges", issuer)
	}
	return &md, nil
}

// Apply fills empty endpoint fields of cfg from the discovered metadata.
// Explicitly configured endpoints win.
func (md *Metadata) Apply(cfg *Config) {
	if cfg.AuthURL == "" {
		cfg.AuthURL = md.AuthorizationEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = md.TokenEndpoint
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = md.UserInfoEndpoint
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
