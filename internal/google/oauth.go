package google

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// APIBaseURL serves both the Gmail and the userinfo APIs.
	APIBaseURL = "https://www.googleapis.com/"

	// DefaultRedirectURL matches the gateway's callback route.
	DefaultRedirectURL = "http://localhost:8000/oauth2callback"
)

// Provider describes where the Google endpoints live.
type Provider struct {
	Endpoint   oauth2.Endpoint
	APIBaseURL string

	// base replaces the fixed Google hosts when set. See HTTPClient.
	base *url.URL
}

// DefaultProvider returns the production Google endpoints.
func DefaultProvider() Provider {
	return Provider{
		Endpoint:   google.Endpoint,
		APIBaseURL: APIBaseURL,
	}
}

// WithBaseURL returns a Provider whose endpoints all live under base.
// Used to point the process at a fake or proxied provider.
func WithBaseURL(base string) Provider {
	base = strings.TrimRight(base, "/")
	u, _ := url.Parse(base)
	return Provider{
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/o/oauth2/auth",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIBaseURL: base + "/",
		base:       u,
	}
}

// Credentials are the OAuth client settings registered with Google.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OAuthConfig returns the oauth2 configuration for creds on p.
func (p Provider) OAuthConfig(creds Credentials) *oauth2.Config {
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = DefaultOAuthScopes
	}
	redirect := creds.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     p.Endpoint,
		RedirectURL:  redirect,
		Scopes:       scopes,
	}
}

// DefaultTokenFile returns the default snapshot path in the user cache dir.
func DefaultTokenFile() string {
	return filepath.Join(userCacheDir(), "inboxrank", "tokens.json")
}

func userCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches")
	case "windows":
		for _, ev := range []string{"TEMP", "TMP"} {
			if v := os.Getenv(ev); v != "" {
				return v
			}
		}
		return "."
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return xdg
	}
	return filepath.Join(homeDir(), ".cache")
}

func homeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}
