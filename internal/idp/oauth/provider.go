package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/idp"
	"golang.org/x/oauth2"
)

const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// Provider implements the Google OAuth2 redirect flow
type Provider struct {
	oauthConfig *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider creates a provider from the Google client settings
func NewGoogleProvider(cfg config.GoogleConfig) *Provider {
	return &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthURL,
				TokenURL: googleTokenURL,
			},
			Scopes:      []string{"openid", "profile", "email"},
			RedirectURL: cfg.RedirectURL,
		},
		userInfoURL: googleUserInfoURL,
	}
}

// AuthCodeURL returns the consent page URL carrying state
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for a token and resolves the user
func (p *Provider) Exchange(ctx context.Context, code string) (*idp.ExternalUser, error) {
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return p.fetchUserInfo(p.oauthConfig.Client(ctx, token))
}

// fetchUserInfo retrieves user information from the userinfo endpoint
func (p *Provider) fetchUserInfo(client *http.Client) (*idp.ExternalUser, error) {
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	if claims.Email == "" {
		return nil, idp.ErrNoEmail
	}
	if !claims.EmailVerified {
		return nil, fmt.Errorf("google account email %s is not verified", claims.Email)
	}

	return &idp.ExternalUser{
		ExternalID:  claims.Sub,
		Username:    claims.Email,
		Email:       strings.ToLower(claims.Email),
		DisplayName: claims.Name,
		Provider:    idp.ProviderGoogle,
	}, nil
}
