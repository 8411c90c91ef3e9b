package provider

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ducknotes/identity"
)

const (
	githubAuthURL  = "https://github.com/login/oauth/authorize"
	githubTokenURL = "https://github.com/login/oauth/access_token"
	githubUserURL  = "https://api.github.com/user"
)

// GitHub exchanges authorization codes against the GitHub OAuth API.
type GitHub struct {
	config Config

	// endpoint overrides for tests.
	authURL  string
	tokenURL string
	userURL  string
}

// NewGitHub builds the adapter.
func NewGitHub(config Config) *GitHub {
	return &GitHub{
		config:   config,
		authURL:  githubAuthURL,
		tokenURL: githubTokenURL,
		userURL:  githubUserURL,
	}
}

// Name reports ProviderGitHub.
func (g *GitHub) Name() identity.Provider { return identity.ProviderGitHub }

// AuthorizationURL builds the GitHub consent redirect.
func (g *GitHub) AuthorizationURL(state string) string {
	query := url.Values{}
	query.Set("client_id", g.config.ClientID)
	query.Set("redirect_uri", g.config.RedirectURL)
	query.Set("scope", "read:user user:email")
	query.Set("state", state)
	return g.authURL + "?" + query.Encode()
}

// FetchProfile trades the code for a token and loads the GitHub user.
func (g *GitHub) FetchProfile(ctx context.Context, code string) (identity.ProviderProfile, error) {
	client := g.config.client()

	form := url.Values{}
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)
	form.Set("code", code)

	accessToken, err := exchangeToken(ctx, client, g.tokenURL, form)
	if err != nil {
		return identity.ProviderProfile{}, err
	}

	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := fetchJSON(ctx, client, g.userURL, accessToken, &payload); err != nil {
		return identity.ProviderProfile{}, err
	}

	name := payload.Name
	if name == "" {
		name = payload.Login
	}
	return identity.ProviderProfile{
		Provider:   identity.ProviderGitHub,
		ProviderID: strconv.FormatInt(payload.ID, 10),
		Email:      payload.Email,
		Name:       name,
		AvatarURL:  payload.AvatarURL,
	}, nil
}
