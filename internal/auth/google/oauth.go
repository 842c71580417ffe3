// Package google implements the account-linking flow against the provider's
// OAuth authorization-code endpoints.
package google

import (
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/pysugar/drivehub/internal/config"
)

// Scopes cover file listing/permission calls plus the identity lookup that
// keys the linked account by email.
var Scopes = []string{
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuthConfig builds the oauth2 config for the given redirect URL.
func OAuthConfig(cfg config.OAuthConfig, redirectURL string) *oauth2.Config {
	endpoint := googleoauth.Endpoint
	if cfg.AuthURL != "" || cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
}

// redirectURL derives the callback URL from the incoming request so the
// service works unchanged behind a proxy or on a non-standard port.
func redirectURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/google/callback", scheme, r.Host)
}
