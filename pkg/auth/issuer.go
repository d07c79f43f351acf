// Package auth obtains the short-lived bearer tokens the speech service
// requires on every connection.
//
// The issuing endpoint exchanges a subscription key for an opaque token that
// stays valid for ten minutes. [Issuer] performs that exchange and exposes it
// as an [oauth2.TokenSource]; [NewTokenSource] wraps it in
// [oauth2.ReuseTokenSource] so that a cached token is handed out until shortly
// before it expires. Failed exchanges are reported to the caller and never
// retried here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultIssueTokenURL is the token issuing endpoint of the speech service.
const DefaultIssueTokenURL = "https://api.cognitive.microsoft.com/sts/v1.0/issueToken"

// subscriptionKeyHeader carries the API key on issue-token requests.
const subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

// tokenLifetime is slightly shorter than the ten minutes the service grants.
const tokenLifetime = 9 * time.Minute

// maxTokenBytes bounds the response body read from the issuer.
const maxTokenBytes = 16 << 10

// Option is a functional option for configuring an [Issuer].
type Option func(*Issuer)

// WithURL overrides the token issuing endpoint.
func WithURL(url string) Option {
	return func(i *Issuer) {
		i.url = url
	}
}

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Issuer) {
		i.client = c
	}
}

// Issuer exchanges an API key for bearer tokens. It implements
// [oauth2.TokenSource] and is safe for concurrent use.
type Issuer struct {
	ctx    context.Context
	apiKey string
	url    string
	client *http.Client
	now    func() time.Time
}

// Compile-time interface assertion.
var _ oauth2.TokenSource = (*Issuer)(nil)

// NewIssuer creates an Issuer for apiKey. ctx bounds every token request made
// through the issuer, in the same way as [oauth2.Config.TokenSource].
func NewIssuer(ctx context.Context, apiKey string, opts ...Option) (*Issuer, error) {
	if apiKey == "" {
		return nil, errors.New("auth: apiKey must not be empty")
	}
	i := &Issuer{
		ctx:    ctx,
		apiKey: apiKey,
		url:    DefaultIssueTokenURL,
		client: http.DefaultClient,
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Token requests a fresh bearer token.
func (i *Issuer) Token() (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(i.ctx, http.MethodPost, i.url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set(subscriptionKeyHeader, i.apiKey)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: issue token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		return nil, fmt.Errorf("auth: read token: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("auth: issue token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return nil, errors.New("auth: issue token: empty response")
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      i.now().Add(tokenLifetime),
	}, nil
}

// NewTokenSource returns a caching token source for apiKey that only contacts
// the issuer when the cached token is about to expire.
func NewTokenSource(ctx context.Context, apiKey string, opts ...Option) (oauth2.TokenSource, error) {
	iss, err := NewIssuer(ctx, apiKey, opts...)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(nil, iss), nil
}

// StaticToken returns a token source that always yields token. Useful when
// the caller manages token refresh itself.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}
