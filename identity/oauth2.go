package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Config configures a generic OAuth2/OIDC upstream provider.
type OAuth2Config struct {
	// ProviderName identifies the provider in logs and audit events.
	ProviderName string

	// ClientID and ClientSecret are this server's credentials at the
	// upstream provider.
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL are the provider's endpoints.
	AuthURL  string
	TokenURL string

	// UserInfoURL is the endpoint queried with the access token to obtain
	// the user's profile.
	UserInfoURL string

	// RedirectURL is this server's callback URL registered at the provider.
	RedirectURL string

	// Scopes requested from the provider. Defaults to openid, profile,
	// email.
	Scopes []string

	// HTTPClient overrides the client used for the userinfo request.
	HTTPClient *http.Client
}

// OAuth2Provider implements Provider against any OAuth2 provider exposing a
// JSON userinfo endpoint.
type OAuth2Provider struct {
	name        string
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

var _ Provider = (*OAuth2Provider)(nil)

// NewOAuth2Provider creates a provider from the given configuration.
func NewOAuth2Provider(cfg OAuth2Config) (*OAuth2Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("auth, token, and userinfo URLs are required")
	}

	name := cfg.ProviderName
	if name == "" {
		name = "oauth2"
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &OAuth2Provider{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
	}, nil
}

func (p *OAuth2Provider) Name() string {
	return p.name
}

func (p *OAuth2Provider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// userInfoResponse covers the standard OIDC userinfo claims this server
// consumes.
type userInfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	ProfileID     string `json:"profile,omitempty"`
}

func (p *OAuth2Provider) CompleteLogin(ctx context.Context, code string) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange provider code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo response missing subject")
	}

	return &Profile{
		UserID:        info.Sub,
		ProfileID:     info.ProfileID,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}
