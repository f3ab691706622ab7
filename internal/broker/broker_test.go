package broker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth/providers"
	"github.com/giantswarm/mcp-oauth/providers/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxrank/internal/google"
	"github.com/teemow/inboxrank/internal/providertest"
	"github.com/teemow/inboxrank/internal/tokenstore"
)

const identity = "a@x.com"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newStore(t *testing.T) (*tokenstore.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	return tokenstore.New(tokenstore.Options{Path: path, Logger: quietLogger()}), path
}

func newBroker(t *testing.T, fake *providertest.Server, store Store) *Broker {
	t.Helper()
	b, err := New(store, Config{
		Credentials: google.Credentials{ClientID: "client", ClientSecret: "secret", RedirectURL: "http://localhost/cb"},
		Provider:    fake.Provider(),
		HTTPClient:  fake.Client(),
		Timeout:     2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return b
}

func TestNewRequiresClientSecret(t *testing.T) {
	store, _ := newStore(t)
	_, err := New(store, Config{Credentials: google.Credentials{ClientID: "client"}, Logger: quietLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity provider")

	// an injected identity provider does not need one
	_, err = New(store, Config{Credentials: google.Credentials{ClientID: "client"}, Identity: mock.NewProvider(), Logger: quietLogger()})
	assert.NoError(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	fake := providertest.New(t)
	store, _ := newStore(t)
	b := newBroker(t, fake, store)

	u, err := url.Parse(b.AuthCodeURL("state-1"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Contains(t, q.Get("scope"), "gmail.readonly")
}

func TestExchangeAuthorizationCode(t *testing.T) {
	fake := providertest.New(t)
	fake.AddCode("c1", map[string]any{
		"access_token":  "A1",
		"refresh_token": "R1",
		"token_type":    "Bearer",
		"expires_in":    3599,
		"scope":         "openid email",
		"id_token":      "eyJ.payload",
	})
	fake.AddUser("A1", identity)

	store, path := newStore(t)
	b := newBroker(t, fake, store)

	rec, id, err := b.ExchangeAuthorizationCode(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, identity, id)
	assert.Equal(t, "A1", rec.AccessToken)
	assert.Equal(t, "R1", rec.RefreshToken)
	assert.Equal(t, "eyJ.payload", rec.Extra["id_token"])
	assert.False(t, rec.Expiry.IsZero())
	assert.True(t, b.HasCredential(identity))

	// the credential survives a restart
	reopened := tokenstore.New(tokenstore.Options{Path: path, Logger: quietLogger()})
	got, ok := reopened.Get(identity)
	require.True(t, ok)
	assert.Equal(t, "A1", got.AccessToken)
	assert.Equal(t, "R1", got.RefreshToken)
}

func TestExchangeAuthorizationCodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		setup     func(*providertest.Server)
		wantIdent bool
		wantCode  string
	}{
		{name: "unknown code", code: "bogus", wantCode: "invalid_grant"},
		{name: "empty code", code: ""},
		{
			name: "grant without access token",
			code: "c1",
			setup: func(f *providertest.Server) {
				f.AddCode("c1", map[string]any{"refresh_token": "R1", "token_type": "Bearer"})
			},
		},
		{
			name:      "userinfo rejects token",
			code:      "c1",
			wantIdent: true,
			setup: func(f *providertest.Server) {
				f.AddCode("c1", map[string]any{"access_token": "A1", "token_type": "Bearer"})
			},
		},
		{
			name:      "userinfo unavailable",
			code:      "c1",
			wantIdent: true,
			setup: func(f *providertest.Server) {
				f.AddCode("c1", map[string]any{"access_token": "A1", "token_type": "Bearer"})
				f.AddUser("A1", identity)
				f.FailUserinfo(500)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := providertest.New(t)
			if tt.setup != nil {
				tt.setup(fake)
			}
			store, _ := newStore(t)
			b := newBroker(t, fake, store)

			_, _, err := b.ExchangeAuthorizationCode(context.Background(), tt.code)
			require.Error(t, err)

			if tt.wantIdent {
				var ierr *IdentityResolutionError
				assert.ErrorAs(t, err, &ierr)
			} else {
				var aerr *AuthExchangeError
				require.ErrorAs(t, err, &aerr)
				assert.Equal(t, "exchange", aerr.Op)
				assert.Equal(t, tt.wantCode, aerr.Code)
			}
			assert.Equal(t, 0, store.Len(), "nothing is stored on failure")
		})
	}
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	fake := providertest.New(t)
	fake.AddRefresh("R1", map[string]any{"access_token": "A2", "token_type": "Bearer", "expires_in": 3599})

	store, path := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{
		AccessToken:  "A1",
		RefreshToken: "R1",
		Extra:        map[string]any{"id_token": "keep"},
	}))
	b := newBroker(t, fake, store)

	assert.True(t, b.Refresh(context.Background(), identity))

	got, ok := store.Get(identity)
	require.True(t, ok)
	assert.Equal(t, "A2", got.AccessToken)
	assert.Equal(t, "R1", got.RefreshToken)
	assert.Equal(t, "keep", got.Extra["id_token"])

	token, err := b.EnsureValid(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "A2", token)

	reopened := tokenstore.New(tokenstore.Options{Path: path, Logger: quietLogger()})
	disk, _ := reopened.Get(identity)
	assert.Equal(t, "A2", disk.AccessToken)
	assert.Equal(t, "R1", disk.RefreshToken)
}

func TestRefreshRotatedToken(t *testing.T) {
	fake := providertest.New(t)
	fake.AddRefresh("R1", map[string]any{"access_token": "A2", "refresh_token": "R2", "token_type": "Bearer"})

	store, _ := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"}))
	b := newBroker(t, fake, store)

	require.NoError(t, b.RefreshCredential(context.Background(), identity))
	got, _ := store.Get(identity)
	assert.Equal(t, "R2", got.RefreshToken)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	fake := providertest.New(t)
	store, path := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1"}))
	before, _ := store.Get(identity)

	b := newBroker(t, fake, store)
	err := b.RefreshCredential(context.Background(), identity)
	assert.ErrorIs(t, err, ErrNotRenewable)
	assert.False(t, b.Refresh(context.Background(), identity))

	assert.Equal(t, 0, fake.Hits(providertest.EndpointToken), "no network call")
	after, _ := store.Get(identity)
	assert.Equal(t, before, after)

	reopened := tokenstore.New(tokenstore.Options{Path: path, Logger: quietLogger()})
	disk, _ := reopened.Get(identity)
	assert.Equal(t, before.UpdatedAt, disk.UpdatedAt, "no persistence write")
}

func TestRefreshFailureLeavesRecord(t *testing.T) {
	fake := providertest.New(t)
	store, _ := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1", RefreshToken: "revoked"}))
	before, _ := store.Get(identity)

	b := newBroker(t, fake, store)
	err := b.RefreshCredential(context.Background(), identity)

	var aerr *AuthExchangeError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "refresh", aerr.Op)
	assert.Equal(t, "invalid_grant", aerr.Code)

	after, _ := store.Get(identity)
	assert.Equal(t, before, after)
}

func TestRefreshUnknownIdentity(t *testing.T) {
	fake := providertest.New(t)
	store, _ := newStore(t)
	b := newBroker(t, fake, store)

	assert.ErrorIs(t, b.RefreshCredential(context.Background(), "nobody@x.com"), ErrAuthRequired)
	_, err := b.EnsureValid(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.False(t, b.HasCredential("nobody@x.com"))
}

func TestConcurrentRefreshIsSerialized(t *testing.T) {
	fake := providertest.New(t)
	fake.AddRefresh("R1", map[string]any{"access_token": "A2", "token_type": "Bearer"})

	var inFlight, maxInFlight atomic.Int32
	fake.OnRefresh(func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	})

	store, _ := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"}))
	b := newBroker(t, fake, store)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.RefreshCredential(context.Background(), identity))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 4, fake.Hits(providertest.EndpointToken))
	got, _ := store.Get(identity)
	assert.Equal(t, "A2", got.AccessToken)
	assert.Equal(t, "R1", got.RefreshToken)
}

func TestRevoke(t *testing.T) {
	fake := providertest.New(t)
	store, path := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"}))
	b := newBroker(t, fake, store)

	require.NoError(t, b.Revoke(context.Background(), identity))
	assert.Equal(t, []string{"R1"}, fake.Revoked())
	assert.False(t, b.HasCredential(identity))

	reopened := tokenstore.New(tokenstore.Options{Path: path, Logger: quietLogger()})
	assert.Equal(t, 0, reopened.Len())

	assert.ErrorIs(t, b.Revoke(context.Background(), identity), ErrAuthRequired)
}

func TestRevokeProviderUnreachable(t *testing.T) {
	fake := providertest.New(t)
	store, _ := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A1"}))

	idp := mock.NewProvider()
	idp.RevokeTokenFunc = func(context.Context, string) error {
		return errors.New("connection refused")
	}
	b, err := New(store, Config{Provider: fake.Provider(), HTTPClient: fake.Client(), Identity: idp, Timeout: time.Second, Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, b.Revoke(context.Background(), identity))
	assert.False(t, b.HasCredential(identity))
	assert.Equal(t, 1, idp.GetCallCount("RevokeToken"))
}

func TestIdentityFromInjectedProvider(t *testing.T) {
	tests := []struct {
		name     string
		validate func(context.Context, string) (*providers.UserInfo, error)
		wantErr  bool
	}{
		{
			name: "email resolved",
			validate: func(_ context.Context, token string) (*providers.UserInfo, error) {
				if token != "A1" {
					return nil, errors.New("unexpected token")
				}
				return &providers.UserInfo{ID: "1", Email: identity}, nil
			},
		},
		{
			name: "no email",
			validate: func(context.Context, string) (*providers.UserInfo, error) {
				return &providers.UserInfo{ID: "1"}, nil
			},
			wantErr: true,
		},
		{
			name: "provider error",
			validate: func(context.Context, string) (*providers.UserInfo, error) {
				return nil, errors.New("userinfo request failed with status 503")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := providertest.New(t)
			fake.AddCode("c1", map[string]any{"access_token": "A1", "token_type": "Bearer"})
			idp := mock.NewProvider()
			idp.ValidateTokenFunc = tt.validate

			store, _ := newStore(t)
			b, err := New(store, Config{Provider: fake.Provider(), HTTPClient: fake.Client(), Identity: idp, Timeout: time.Second, Logger: quietLogger()})
			require.NoError(t, err)

			_, id, err := b.ExchangeAuthorizationCode(context.Background(), "c1")
			assert.Equal(t, 0, fake.Hits(providertest.EndpointUserinfo))
			if tt.wantErr {
				var ierr *IdentityResolutionError
				assert.ErrorAs(t, err, &ierr)
				assert.Equal(t, 0, store.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, identity, id)
		})
	}
}

func TestExchangeWaitsForRunningRefresh(t *testing.T) {
	fake := providertest.New(t)
	fake.AddRefresh("R0", map[string]any{"access_token": "A-refreshed", "token_type": "Bearer"})
	fake.AddCode("c1", map[string]any{"access_token": "A1", "refresh_token": "R1", "token_type": "Bearer"})
	fake.AddUser("A1", identity)

	store, _ := newStore(t)
	require.NoError(t, store.Put(identity, tokenstore.Record{AccessToken: "A0", RefreshToken: "R0"}))
	b := newBroker(t, fake, store)

	// The exchange starts while the refresh is at the token endpoint. It
	// must not store its credential until the refresh has written back.
	exchanged := make(chan error, 1)
	var once sync.Once
	fake.OnRefresh(func() {
		once.Do(func() {
			go func() {
				_, _, err := b.ExchangeAuthorizationCode(context.Background(), "c1")
				exchanged <- err
			}()
			select {
			case err := <-exchanged:
				exchanged <- err
				t.Error("exchange stored its credential during a refresh")
			case <-time.After(200 * time.Millisecond):
			}
		})
	})

	require.NoError(t, b.RefreshCredential(context.Background(), identity))
	require.NoError(t, <-exchanged)

	got, _ := store.Get(identity)
	assert.Equal(t, "A1", got.AccessToken)
	assert.Equal(t, "R1", got.RefreshToken)
}
