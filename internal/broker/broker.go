package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth/providers"
	"golang.org/x/oauth2"

	"github.com/teemow/inboxrank/internal/google"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/tokenstore"
)

// DefaultTimeout bounds every call the broker makes to the provider.
const DefaultTimeout = 15 * time.Second

// Store is the credential persistence the broker writes through.
// *tokenstore.Store satisfies it.
type Store interface {
	Get(identity string) (tokenstore.Record, bool)
	Put(identity string, r tokenstore.Record) error
	Delete(identity string) bool
}

// Config configures a Broker.
type Config struct {
	Credentials google.Credentials
	// Provider defaults to google.DefaultProvider().
	Provider google.Provider

	// HTTPClient is used for every provider call. Defaults to a client
	// with no timeout of its own; calls are bounded by Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// Identity resolves the account behind an access token and revokes
	// tokens. Defaults to Provider.IdentityProvider for Credentials.
	Identity providers.Provider

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Broker exchanges, refreshes and revokes credentials held in a Store.
type Broker struct {
	store    Store
	oauth    *oauth2.Config
	identity providers.Provider
	client   *http.Client
	timeout  time.Duration
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	locks identityLocks
}

// New creates a Broker writing to store. It fails when the identity
// provider cannot be built from cfg, e.g. without a client secret.
func New(store Store, cfg Config) (*Broker, error) {
	provider := cfg.Provider
	if provider.Endpoint.TokenURL == "" {
		provider = google.DefaultProvider()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	identity := cfg.Identity
	if identity == nil {
		var err error
		identity, err = provider.IdentityProvider(cfg.Credentials, cfg.HTTPClient, timeout)
		if err != nil {
			return nil, fmt.Errorf("create identity provider: %w", err)
		}
	}

	return &Broker{
		store:    store,
		oauth:    provider.OAuthConfig(cfg.Credentials),
		identity: identity,
		client:   provider.HTTPClient(cfg.HTTPClient),
		timeout:  timeout,
		metrics:  cfg.Metrics,
		logger:   logging.WithComponent(cfg.Logger, "broker"),
	}, nil
}

// AuthCodeURL returns the consent page URL. Offline access and a forced
// consent prompt make the provider issue a refresh token every time.
func (b *Broker) AuthCodeURL(state string) string {
	return b.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeAuthorizationCode redeems code, resolves the identity the token
// belongs to and stores the credential under it.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, code string) (tokenstore.Record, string, error) {
	logger := logging.WithOperation(b.logger, "exchange")

	if strings.TrimSpace(code) == "" {
		b.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		return tokenstore.Record{}, "", newAuthExchangeError("exchange", errors.New("authorization code is empty"))
	}

	rec, err := b.grant(ctx, instrumentation.OperationExchange, func(ctx context.Context) (*oauth2.Token, error) {
		return b.oauth.Exchange(ctx, code)
	})
	if err != nil {
		b.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		logger.Warn("Authorization code exchange failed", logging.Err(err))
		return tokenstore.Record{}, "", newAuthExchangeError("exchange", err)
	}

	identity, err := b.resolveIdentity(ctx, rec.AccessToken)
	if err != nil {
		b.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultIdentityError)
		logger.Warn("Identity resolution failed", logging.Err(err))
		return tokenstore.Record{}, "", &IdentityResolutionError{Err: err}
	}

	// A refresh running for the same identity must not write back tokens
	// it read before this exchange.
	unlock := b.locks.lock(identity)
	err = b.store.Put(identity, rec)
	stored, _ := b.store.Get(identity)
	unlock()
	if err != nil {
		return tokenstore.Record{}, "", fmt.Errorf("store credential: %w", err)
	}

	b.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)
	logger.Info("Credential issued", logging.UserHash(identity),
		"renewable", stored.Renewable(),
		"access_token", logging.SanitizeToken(stored.AccessToken))
	return stored, identity, nil
}

// Refresh renews the credential for identity and reports whether it
// succeeded. Use RefreshCredential to learn why it did not.
func (b *Broker) Refresh(ctx context.Context, identity string) bool {
	return b.RefreshCredential(ctx, identity) == nil
}

// RefreshCredential renews the credential for identity with its refresh
// token. The refresh token is kept when the provider does not issue a new
// one. On any failure the stored credential is left untouched.
//
// It returns ErrAuthRequired when there is no credential and
// ErrNotRenewable, without contacting the provider, when there is no
// refresh token.
func (b *Broker) RefreshCredential(ctx context.Context, identity string) error {
	unlock := b.locks.lock(identity)
	defer unlock()

	logger := logging.WithOperation(b.logger, "refresh").With(logging.UserHash(identity))

	current, ok := b.store.Get(identity)
	if !ok || !current.Valid() {
		b.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultAuthRequired)
		return ErrAuthRequired
	}
	if !current.Renewable() {
		b.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultNotRenewable)
		logger.Debug("Credential has no refresh token")
		return ErrNotRenewable
	}

	fresh, err := b.grant(ctx, instrumentation.OperationRefresh, func(ctx context.Context) (*oauth2.Token, error) {
		// An empty access token forces oauth2 to hit the token endpoint.
		return b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	})
	if err != nil {
		b.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		logger.Warn("Credential refresh failed", logging.Err(err))
		return newAuthExchangeError("refresh", err)
	}

	if err := b.store.Put(identity, current.Merge(fresh)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	b.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)
	logger.Info("Credential refreshed", "rotated", fresh.RefreshToken != "" && fresh.RefreshToken != current.RefreshToken)
	return nil
}

// EnsureValid returns the stored access token for identity as-is.
func (b *Broker) EnsureValid(_ context.Context, identity string) (string, error) {
	rec, ok := b.store.Get(identity)
	if !ok || !rec.Valid() {
		return "", ErrAuthRequired
	}
	return rec.AccessToken, nil
}

// HasCredential reports whether a usable credential exists for identity.
func (b *Broker) HasCredential(identity string) bool {
	rec, ok := b.store.Get(identity)
	return ok && rec.Valid()
}

// Revoke asks the provider to revoke the credential for identity and
// removes it from the store. Revocation at the provider is best effort;
// the local credential is removed either way.
func (b *Broker) Revoke(ctx context.Context, identity string) error {
	unlock := b.locks.lock(identity)
	defer unlock()

	logger := logging.WithOperation(b.logger, "revoke").With(logging.UserHash(identity))

	rec, ok := b.store.Get(identity)
	if !ok {
		return ErrAuthRequired
	}

	token := rec.RefreshToken
	if token == "" {
		token = rec.AccessToken
	}
	if err := b.revokeAtProvider(ctx, identity, token); err != nil {
		logger.Warn("Provider revocation failed, removing credential locally", logging.Err(err))
	}

	b.store.Delete(identity)
	logger.Info("Credential revoked")
	return nil
}

// grant runs fetch against the token endpoint with the provider timeout
// and returns the full grant as a record.
func (b *Broker) grant(ctx context.Context, operation string, fetch func(context.Context) (*oauth2.Token, error)) (tokenstore.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ctx, span := instrumentation.StartProviderSpan(ctx, instrumentation.ServiceOAuth, operation)
	start := time.Now()

	recorder := &grantRecorder{}
	tok, err := fetch(context.WithValue(ctx, oauth2.HTTPClient, recorder.client(b.client)))
	if err == nil && tok.AccessToken == "" {
		err = errors.New("token response has no access token")
	}

	b.metrics.RecordProviderOperation(ctx, instrumentation.ServiceOAuth, operation, instrumentation.StatusFor(err), "", time.Since(start))
	instrumentation.EndSpan(span, err)
	if err != nil {
		return tokenstore.Record{}, err
	}

	rec := tokenstore.FromGrant(recorder.grant())
	rec.AccessToken = tok.AccessToken
	rec.RefreshToken = tok.RefreshToken
	if tok.TokenType != "" {
		rec.TokenType = tok.TokenType
	}
	rec.Expiry = tok.Expiry
	return rec, nil
}

// resolveIdentity asks the userinfo endpoint who owns accessToken.
func (b *Broker) resolveIdentity(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ctx, span := instrumentation.StartProviderSpan(ctx, instrumentation.ServiceUserinfo, instrumentation.OperationUserinfo)
	start := time.Now()

	email, err := b.fetchUserinfo(ctx, accessToken)

	b.metrics.RecordProviderOperation(ctx, instrumentation.ServiceUserinfo, instrumentation.OperationUserinfo,
		instrumentation.StatusFor(err), email, time.Since(start))
	instrumentation.EndSpan(span, err)
	return email, err
}

func (b *Broker) fetchUserinfo(ctx context.Context, accessToken string) (string, error) {
	// The provider builds its userinfo client from the context.
	info, err := b.identity.ValidateToken(context.WithValue(ctx, oauth2.HTTPClient, b.client), accessToken)
	if err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", errors.New("userinfo response has no email")
	}
	return info.Email, nil
}

func (b *Broker) revokeAtProvider(ctx context.Context, identity, token string) error {
	if token == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ctx, span := instrumentation.StartProviderSpan(ctx, instrumentation.ServiceOAuth, instrumentation.OperationRevoke)
	start := time.Now()

	err := b.identity.RevokeToken(ctx, token)

	b.metrics.RecordProviderOperation(ctx, instrumentation.ServiceOAuth, instrumentation.OperationRevoke,
		instrumentation.StatusFor(err), identity, time.Since(start))
	instrumentation.EndSpan(span, err)
	return err
}

// identityLocks serializes read-refresh-persist sequences per identity.
// Entries are never removed; there is one per identity ever refreshed.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *identityLocks) lock(identity string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[identity]
	if !ok {
		m = &sync.Mutex{}
		l.locks[identity] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
