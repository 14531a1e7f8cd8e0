// Package wakatime talks to the WakaTime OAuth and API endpoints.
//
// Everything provider-specific lives here: endpoint URLs, the token response
// quirks and the summaries JSON schema. Callers get tokens and
// model.DailyUsage values, and errors classified with apperror.
package wakatime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/akumotech/student-tracker/internal/apperror"
)

// ErrRefreshRejected means the provider answered a refresh with 400 or 401:
// the refresh token is revoked or invalid and retrying will not help.
// Other 4xx answers (429, 408, ...) are transient and map to
// apperror.ErrUpstreamUnavailable.
var ErrRefreshRejected = errors.New("wakatime: refresh token rejected")

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// Provider wraps golang.org/x/oauth2 for the WakaTime Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. We redirect the user to WakaTime's authorize endpoint with our client ID,
//     the scopes and a signed state.
//  2. The user approves on wakatime.com.
//  3. WakaTime redirects back to our callback with a short-lived "code".
//  4. We exchange the code for an access + refresh token (server-to-server,
//     using the client secret).
//
// The tokens never touch the browser.
type Provider struct {
	config *oauth2.Config
	client *http.Client

	// refreshClient is client with a transport that adds redirect_uri to
	// refresh_token grants. WakaTime expects the redirect URI from the
	// original authorization on refresh too; x/oauth2 does not send it.
	refreshClient *http.Client
}

// NewProvider builds a Provider. client carries the timeouts for every token
// endpoint call; nil uses a client from NewHTTPClient with the default timeout.
func NewProvider(cfg OAuthConfig, client *http.Client) *Provider {
	if client == nil {
		client = NewHTTPClient(0)
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	refreshClient := *client
	refreshClient.Transport = redirectURITransport{base: base, redirectURI: cfg.RedirectURL}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
				// WakaTime reads client_id/client_secret from the form body.
				// Pinning the style skips oauth2's trial-and-error probe.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:        client,
		refreshClient: &refreshClient,
	}
}

// AuthURL returns the consent URL to redirect the user to.
func (p *Provider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
//
// Errors:
//   - apperror.ErrTokenExchange       → WakaTime refused the code (400/401)
//   - apperror.ErrUpstreamUnavailable → any other status, timeout or network failure
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(p.withClient(ctx, p.client), code)
	if err != nil {
		if isRejection(err) {
			return nil, apperror.TokenExchange(err)
		}
		return nil, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: exchanging code: %w", err))
	}
	if tok.AccessToken == "" {
		return nil, apperror.TokenExchange(errors.New("wakatime: token response has no access_token"))
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new pair. If the response carries no
// new refresh token, the returned token keeps the one passed in.
//
// Errors:
//   - ErrRefreshRejected              → 400/401, the refresh token is dead
//   - apperror.ErrUpstreamUnavailable → any other status, timeout or network failure
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token is never Valid, so the TokenSource goes straight
	// to the token endpoint with grant_type=refresh_token.
	src := p.config.TokenSource(p.withClient(ctx, p.refreshClient), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		if isRejection(err) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return nil, apperror.UpstreamUnavailable(fmt.Errorf("wakatime: refreshing token: %w", err))
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// withClient makes oauth2 use one of our clients (and its timeouts) instead
// of http.DefaultClient.
func (p *Provider) withClient(ctx context.Context, c *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}

// isRejection reports whether the token endpoint refused the grant itself
// (400 or 401). Rate limits and timeouts are not rejections.
func isRejection(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return true
	}
	return false
}

// redirectURITransport adds redirect_uri to form-encoded refresh_token grants
// that lack one. Other requests pass through untouched.
type redirectURITransport struct {
	base        http.RoundTripper
	redirectURI string
}

func (t redirectURITransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || t.redirectURI == "" ||
		!strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("wakatime: reading token request body: %w", err)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("wakatime: parsing token request form: %w", err)
	}

	if form.Get("grant_type") == "refresh_token" && form.Get("redirect_uri") == "" {
		form.Set("redirect_uri", t.redirectURI)
		body = []byte(form.Encode())
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(strings.NewReader(string(body)))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(string(body))), nil
	}
	return t.base.RoundTrip(out)
}
