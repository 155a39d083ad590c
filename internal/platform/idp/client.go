// Package idp talks to the external identity provider: it builds the PKCE
// authorization redirect, exchanges authorization codes, refreshes tokens and
// resolves the provider-side identity of a linked account.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ehr/link/internal/platform/pkce"
)

var (
	// ErrExchangeFailed is returned for any non-success answer to an
	// authorization code exchange, including timeouts. Codes are single-use,
	// so the exchange is never retried.
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrRefreshFailed is returned when the provider rejects a refresh token
	// or the round trip fails. The refresh token must not be resubmitted.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrIdentityUnavailable is returned when the userinfo endpoint cannot
	// resolve the account behind an access token.
	ErrIdentityUnavailable = errors.New("identity lookup failed")
)

// defaultExpiresIn applies when the provider omits expires_in.
const defaultExpiresIn = 3600

const tracerName = "github.com/ehr/link/internal/platform/idp"

// Config holds the provider registration of this service.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client // Optional custom HTTP client
	Logger       zerolog.Logger
}

// TokenResponse is the provider's answer to a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	// Claims is nil when the response carried no usable id_token.
	Claims *Claims
}

// Client performs the provider-facing round trips. It is safe for concurrent use.
type Client struct {
	oauth       *oauth2.Config
	userInfoURL string
	timeout     time.Duration
	httpClient  *http.Client
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewClient validates cfg and returns a provider client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token endpoints are required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
				// A fixed style keeps the library from replaying a rejected
				// request with the other credential placement.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		timeout:     timeout,
		httpClient:  httpClient,
		tracer:      otel.Tracer(tracerName),
		logger:      cfg.Logger.With().Str("component", "idp").Logger(),
	}, nil
}

// AuthorizationURL returns the provider redirect for a link attempt. The
// result depends only on its inputs and the client configuration.
func (c *Client) AuthorizationURL(state, challenge string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	ctx, span := c.tracer.Start(ctx, "idp.exchange_code")
	defer span.End()

	ctx, cancel := c.roundTripContext(ctx)
	defer cancel()

	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrExchangeFailed, describe(err))
		recordError(span, err)
		return nil, err
	}

	resp, err := c.toResponse(span, tok, "")
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrExchangeFailed, err)
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("idp.refresh_token_issued", resp.RefreshToken != ""))
	return resp, nil
}

// Refresh redeems a refresh token. When the provider does not rotate the
// refresh token, the submitted one is returned for reuse.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	ctx, span := c.tracer.Start(ctx, "idp.refresh")
	defer span.End()

	ctx, cancel := c.roundTripContext(ctx)
	defer cancel()

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrRefreshFailed, describe(err))
		recordError(span, err)
		return nil, err
	}

	resp, err := c.toResponse(span, tok, refreshToken)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("idp.refresh_token_rotated", resp.RefreshToken != refreshToken))
	return resp, nil
}

// FetchIdentity resolves the account behind accessToken via the userinfo endpoint.
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (*Claims, error) {
	ctx, span := c.tracer.Start(ctx, "idp.userinfo")
	defer span.End()

	if c.userInfoURL == "" {
		err := fmt.Errorf("%w: no userinfo endpoint configured", ErrIdentityUnavailable)
		recordError(span, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		recordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: userinfo returned status %d", ErrIdentityUnavailable, resp.StatusCode)
		recordError(span, err)
		return nil, err
	}

	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		err = fmt.Errorf("%w: decode userinfo: %v", ErrIdentityUnavailable, err)
		recordError(span, err)
		return nil, err
	}
	return &claims, nil
}

func (c *Client) roundTripContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), cancel
}

// toResponse fails only without an access token. By then the provider has
// consumed the code or refresh token, so an unusable id_token is dropped and
// the identity is left for FetchIdentity.
func (c *Client) toResponse(span trace.Span, tok *oauth2.Token, previousRefresh string) (*TokenResponse, error) {
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("provider response has no access_token")
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = previousRefresh
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		claims, err := ParseIDToken(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring unusable id_token")
			span.SetAttributes(attribute.Bool("idp.id_token_ignored", true))
		} else {
			resp.Claims = claims
		}
	}
	return resp, nil
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Round(time.Second).Seconds()); secs > 0 {
			return secs
		}
	}
	return defaultExpiresIn
}

// describe flattens provider errors without echoing the response body, which
// may contain token material.
func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		parts := []string{}
		if re.Response != nil {
			parts = append(parts, fmt.Sprintf("status %d", re.Response.StatusCode))
		}
		if re.ErrorCode != "" {
			parts = append(parts, re.ErrorCode)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider timeout"
	}
	return err.Error()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
