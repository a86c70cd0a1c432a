package linkedin

import (
	"golang.org/x/oauth2"

	"github.com/social-autopilot/internal/config"
)

const (
	authURL         = "https://www.linkedin.com/oauth/v2/authorization"
	defaultTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
)

// OAuthConfig returns the OAuth client used to refresh LinkedIn connection tokens
func OAuthConfig(cfg config.PlatformConfig) *oauth2.Config {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"openid", "profile", "w_member_social"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
