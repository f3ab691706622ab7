package google

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth/providers"
	mcpgoogle "github.com/giantswarm/mcp-oauth/providers/google"
)

// fixedHosts are the Google hosts the identity provider calls by absolute
// URL: userinfo on www.googleapis.com and revocation on oauth2.googleapis.com.
var fixedHosts = map[string]bool{
	"www.googleapis.com":    true,
	"oauth2.googleapis.com": true,
}

// IdentityProvider returns the client used to resolve the account behind an
// access token and to revoke tokens. Its requests go through HTTPClient(client).
func (p Provider) IdentityProvider(creds Credentials, client *http.Client, timeout time.Duration) (providers.Provider, error) {
	conf := p.OAuthConfig(creds)
	forceConsent := true
	return mcpgoogle.NewProvider(&mcpgoogle.Config{
		ClientID:       conf.ClientID,
		ClientSecret:   conf.ClientSecret,
		RedirectURL:    conf.RedirectURL,
		Scopes:         conf.Scopes,
		HTTPClient:     p.HTTPClient(client),
		RequestTimeout: timeout,
		ForceConsent:   &forceConsent,
	})
}

// HTTPClient returns client unchanged for the production endpoints. For a
// provider built with WithBaseURL it returns a copy whose transport sends
// requests for the fixed Google hosts to the base URL instead.
func (p Provider) HTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	if p.base == nil || p.base.Host == "" {
		return client
	}
	c := *client
	c.Transport = &rewriteTransport{base: p.base, next: client.Transport}
	return &c
}

type rewriteTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	if !fixedHosts[req.URL.Host] {
		return next.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.URL.Scheme = t.base.Scheme
	r.URL.Host = t.base.Host
	r.URL.Path = strings.TrimRight(t.base.Path, "/") + req.URL.Path
	r.URL.RawPath = ""
	r.Host = ""
	return next.RoundTrip(r)
}
