package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ducknotes/identity"
)

// ErrExchange reports a failed code-for-token or profile request.
var ErrExchange = errors.New("provider: exchange failed")

// Adapter is one OAuth provider integration.
type Adapter interface {
	// Name reports which provider this adapter talks to.
	Name() identity.Provider

	// AuthorizationURL builds the redirect URL that starts the flow.
	AuthorizationURL(state string) string

	// FetchProfile trades the callback code for the remote profile.
	FetchProfile(ctx context.Context, code string) (identity.ProviderProfile, error)
}

// Config holds the registered OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string

	// RedirectURL is the callback registered with the provider.
	RedirectURL string

	// HTTPClient overrides the client used for provider calls. Defaults to
	// one with a 10 second timeout.
	HTTPClient *http.Client
}

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// exchangeToken posts the authorization code as a form and decodes the JSON
// token response. Both GitHub and Google accept this shape.
func exchangeToken(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchange, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrExchange, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchange, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: response carried no access token", ErrExchange)
	}
	return payload.AccessToken, nil
}

// fetchJSON performs an authorized GET and decodes the body into dst.
func fetchJSON(ctx context.Context, client *http.Client, rawURL, accessToken string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchange, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: profile endpoint returned %d", ErrExchange, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrExchange, err)
	}
	return nil
}
