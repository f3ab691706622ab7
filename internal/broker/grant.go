package broker

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// grantRecorder captures the body of the token endpoint response so the
// full provider grant, including fields oauth2.Token does not model, can be
// stored with the credential.
type grantRecorder struct {
	base http.RoundTripper

	mu   sync.Mutex
	body []byte
}

func (g *grantRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	base := g.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	g.mu.Lock()
	g.body = body
	g.mu.Unlock()
	return resp, nil
}

// grant decodes the captured body. Providers answer in JSON; a form encoded
// body is accepted as well, as oauth2 does.
func (g *grantRecorder) grant() map[string]any {
	g.mu.Lock()
	body := g.body
	g.mu.Unlock()

	out := make(map[string]any)
	if len(body) == 0 {
		return out
	}
	if err := json.Unmarshal(body, &out); err == nil {
		return out
	}

	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return out
	}
	for k := range vals {
		out[k] = vals.Get(k)
	}
	return out
}

// client returns an http.Client that records through g and otherwise
// behaves like base.
func (g *grantRecorder) client(base *http.Client) *http.Client {
	c := *base
	g.base = base.Transport
	c.Transport = g
	return &c
}
