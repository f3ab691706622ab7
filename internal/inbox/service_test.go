package inbox

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxrank/internal/broker"
	"github.com/teemow/inboxrank/internal/classify"
	"github.com/teemow/inboxrank/internal/gmail"
	"github.com/teemow/inboxrank/internal/google"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/providertest"
	"github.com/teemow/inboxrank/internal/session"
	"github.com/teemow/inboxrank/internal/tokenstore"
)

const identity = "a@x.com"

var now = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	fake    *providertest.Server
	store   *tokenstore.Store
	binder  *session.Binder
	service *Service
	audit   *bytes.Buffer
}

func newFixture(t *testing.T, refreshOnExpiry bool) *fixture {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	fake := providertest.New(t)
	store := tokenstore.New(tokenstore.Options{Path: filepath.Join(t.TempDir(), "tokens.json"), Logger: quiet})
	b, err := broker.New(store, broker.Config{
		Credentials: google.Credentials{ClientID: "client", ClientSecret: "secret"},
		Provider:    fake.Provider(),
		HTTPClient:  fake.Client(),
		Timeout:     2 * time.Second,
		Logger:      quiet,
	})
	require.NoError(t, err)
	binder := session.NewBinder(session.Options{Logger: quiet})
	t.Cleanup(binder.Stop)

	fetcher := gmail.NewFetcher(b, gmail.Config{
		APIBaseURL: fake.Provider().APIBaseURL,
		HTTPClient: fake.Client(),
		Timeout:    2 * time.Second,
		Logger:     quiet,
	})
	pipeline := classify.New(classify.DefaultConfig(), classify.WithNowFunc(func() time.Time { return now }))

	audit := &bytes.Buffer{}
	svc := New(Config{
		Credentials:     b,
		Sessions:        binder,
		Fetcher:         fetcher,
		Classifier:      pipeline,
		Accounts:        store,
		RefreshOnExpiry: refreshOnExpiry,
		Audit: instrumentation.NewAuditLogger(slog.New(slog.NewTextHandler(audit, nil)),
			instrumentation.AuditLoggingConfig{Enabled: true}),
		Logger: quiet,
	})

	return &fixture{fake: fake, store: store, binder: binder, service: svc, audit: audit}
}

func (f *fixture) seedMailbox(token string) {
	f.fake.AddUser(token, identity)
	f.fake.AddMessages(identity,
		providertest.Message{ID: "m0", From: "hr@example.com", Subject: "50% off sale", Date: now.Add(-time.Hour).Format(time.RFC1123Z), Snippet: "Interview slots"},
		providertest.Message{ID: "m1", From: "shop@example.com", Subject: "Weekend deal", Date: now.Add(-2 * time.Hour).Format(time.RFC1123Z), Snippet: "Everything must go"},
		providertest.Message{ID: "m2", From: "bank@example.com", Subject: "Invoice", Date: now.Add(-72 * time.Hour).Format(time.RFC1123Z), Snippet: "Old"},
		providertest.Message{ID: "m3", From: "mom@example.com", Subject: "Dinner", Date: "not a date", Snippet: "urgent: call me"},
	)
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	f.fake.AddCode("code", map[string]any{"access_token": "A1", "refresh_token": "R1", "token_type": "Bearer", "expires_in": 3599})
	f.seedMailbox("A1")

	ref, id, err := f.service.CompleteLogin(WithSource(context.Background(), SourceHTTP), "code")
	require.NoError(t, err)
	require.Equal(t, identity, id)
	return ref
}

func emailIDs(res *Result) []string {
	out := make([]string, len(res.Emails))
	for i, e := range res.Emails {
		out[i] = e.ID
	}
	return out
}

func TestLoginAndRank(t *testing.T) {
	f := newFixture(t, false)
	ref := f.login(t)

	id, ok := f.service.Status(ref)
	assert.True(t, ok)
	assert.Equal(t, identity, id)
	assert.Equal(t, []string{identity}, f.service.Accounts())

	res, err := f.service.RankRecent(context.Background(), ref, Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Count, "the three day old message is outside the window")
	assert.Equal(t, []string{"m0", "m1", "m3"}, emailIDs(res))

	assert.Equal(t, classify.CategoryWork, res.Emails[0].Category)
	assert.Equal(t, classify.CategoryPromotions, res.Emails[1].Category)
	assert.True(t, res.Emails[2].Urgent)

	assert.Contains(t, f.audit.String(), "action=login")
	assert.Contains(t, f.audit.String(), "source=http")
	assert.Contains(t, f.audit.String(), "action=rank")
	assert.NotContains(t, f.audit.String(), identity, "identities are hashed")
}

func TestRankOptions(t *testing.T) {
	f := newFixture(t, false)
	ref := f.login(t)

	res, err := f.service.RankRecent(context.Background(), ref, Options{MaxResults: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requested)

	res, err = f.service.RankRecent(context.Background(), ref, Options{Window: 100 * time.Hour, TopN: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Requested)
	require.Len(t, res.Emails, 2)
	assert.GreaterOrEqual(t, res.Emails[0].PriorityScore, res.Emails[1].PriorityScore)
}

func TestOptionsNormalize(t *testing.T) {
	got := Options{MaxResults: 1000, TopN: -1}.normalize()
	assert.Equal(t, MaxMaxResults, got.MaxResults)
	assert.Equal(t, DefaultWindow, got.Window)
	assert.Equal(t, 0, got.TopN)

	got = Options{}.normalize()
	assert.Equal(t, DefaultMaxResults, got.MaxResults)
}

func TestWindowHours(t *testing.T) {
	tests := []struct {
		hours   int
		want    time.Duration
		wantErr bool
	}{
		{hours: 0, want: 0},
		{hours: 48, want: 48 * time.Hour},
		{hours: MaxWindowHours, want: MaxWindowHours * time.Hour},
		{hours: MaxWindowHours + 1, wantErr: true},
		{hours: 3000000, wantErr: true},
		{hours: -1, wantErr: true},
	}

	for _, tt := range tests {
		got, err := WindowHours(tt.hours)
		if tt.wantErr {
			assert.Error(t, err, tt.hours)
			continue
		}
		require.NoError(t, err, tt.hours)
		assert.Equal(t, tt.want, got)
	}
}

func TestRankUnknownSession(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.service.RankRecent(context.Background(), "bogus", Options{})
	assert.ErrorIs(t, err, broker.ErrAuthRequired)
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, ok := f.service.Status("bogus")
	assert.False(t, ok)
}

func TestRankWithoutCredential(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.service.RankForIdentity(context.Background(), "nobody@x.com", Options{})
	assert.ErrorIs(t, err, broker.ErrAuthRequired)
	assert.Equal(t, 0, f.fake.Hits(providertest.EndpointList))
}

func TestRankRefreshOnExpiry(t *testing.T) {
	tests := []struct {
		name            string
		refreshOnExpiry bool
		record          tokenstore.Record
		setup           func(*providertest.Server)
		wantErr         error
		wantListHits    int
		wantTokenHits   int
	}{
		{
			name:            "disabled returns the expiry",
			refreshOnExpiry: false,
			record:          tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"},
			wantErr:         gmail.ErrCredentialExpired,
			wantListHits:    1,
			wantTokenHits:   0,
		},
		{
			name:            "refreshes and retries once",
			refreshOnExpiry: true,
			record:          tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"},
			setup: func(f *providertest.Server) {
				f.AddRefresh("R1", map[string]any{"access_token": "A2", "token_type": "Bearer"})
				f.AddUser("A2", identity)
			},
			wantListHits:  2,
			wantTokenHits: 1,
		},
		{
			name:            "refreshed token rejected too",
			refreshOnExpiry: true,
			record:          tokenstore.Record{AccessToken: "A1", RefreshToken: "R1"},
			setup: func(f *providertest.Server) {
				f.AddRefresh("R1", map[string]any{"access_token": "A2", "token_type": "Bearer"})
				f.Expire("A2")
			},
			wantErr:       gmail.ErrCredentialExpired,
			wantListHits:  2,
			wantTokenHits: 1,
		},
		{
			name:            "not renewable",
			refreshOnExpiry: true,
			record:          tokenstore.Record{AccessToken: "A1"},
			wantErr:         gmail.ErrCredentialExpired,
			wantListHits:    1,
			wantTokenHits:   0,
		},
		{
			name:            "refresh rejected",
			refreshOnExpiry: true,
			record:          tokenstore.Record{AccessToken: "A1", RefreshToken: "revoked"},
			wantErr:         gmail.ErrCredentialExpired,
			wantListHits:    1,
			wantTokenHits:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.refreshOnExpiry)
			f.seedMailbox("A1")
			f.fake.Expire("A1")
			if tt.setup != nil {
				tt.setup(f.fake)
			}
			require.NoError(t, f.store.Put(identity, tt.record))

			res, err := f.service.RankForIdentity(context.Background(), identity, Options{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, res)
			} else {
				require.NoError(t, err)
				assert.Equal(t, 3, res.Count)
			}
			assert.Equal(t, tt.wantListHits, f.fake.Hits(providertest.EndpointList))
			assert.Equal(t, tt.wantTokenHits, f.fake.Hits(providertest.EndpointToken))
		})
	}
}

func TestRankReportsFailedMessages(t *testing.T) {
	f := newFixture(t, false)
	ref := f.login(t)
	f.fake.FailMessage("m1", http.StatusUnauthorized)
	f.fake.FailMessage("m3", http.StatusInternalServerError)

	res, err := f.service.RankRecent(context.Background(), ref, Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"m0"}, emailIDs(res))
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "m1", res.Failures[0].ID)
	assert.Contains(t, res.Failures[0].Error, "expired")
	assert.Equal(t, "m3", res.Failures[1].ID)
}

func TestLogoutKeepsCredential(t *testing.T) {
	f := newFixture(t, false)
	ref := f.login(t)

	require.NoError(t, f.service.Logout(context.Background(), ref, false))

	_, ok := f.service.Status(ref)
	assert.False(t, ok)
	assert.True(t, f.service.HasCredential(identity))
	assert.Empty(t, f.fake.Revoked())

	// unknown reference is a no-op
	assert.NoError(t, f.service.Logout(context.Background(), ref, false))
}

func TestLogoutWithRevoke(t *testing.T) {
	f := newFixture(t, false)
	ref := f.login(t)

	require.NoError(t, f.service.Logout(context.Background(), ref, true))

	assert.False(t, f.service.HasCredential(identity))
	assert.Equal(t, []string{"R1"}, f.fake.Revoked())
	assert.Equal(t, 0, f.store.Len())
	assert.Contains(t, f.audit.String(), "action=revoke")

	assert.ErrorIs(t, f.service.Logout(context.Background(), ref, true), ErrNoSession)
}

func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t, false)
	first := f.login(t)

	f.fake.AddCode("code2", map[string]any{"access_token": "A1b", "token_type": "Bearer"})
	f.fake.AddUser("A1b", identity)
	second, _, err := f.service.CompleteLogin(context.Background(), "code2")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, f.service.Logout(context.Background(), first, false))
	_, ok := f.service.Status(second)
	assert.True(t, ok)
}

func TestCompleteLoginFailure(t *testing.T) {
	f := newFixture(t, false)

	ref, _, err := f.service.CompleteLogin(context.Background(), "nope")
	require.Error(t, err)
	assert.Empty(t, ref)
	assert.Equal(t, 0, f.binder.Len())
	assert.Contains(t, f.audit.String(), "success=false")
}

func TestLoginWithoutSession(t *testing.T) {
	f := newFixture(t, false)
	f.fake.AddCode("code", map[string]any{"access_token": "A1", "token_type": "Bearer"})
	f.fake.AddUser("A1", identity)

	id, err := f.service.Login(WithSource(context.Background(), SourceCLI), "code")
	require.NoError(t, err)
	assert.Equal(t, identity, id)
	assert.Equal(t, 0, f.binder.Len())
	assert.Contains(t, f.audit.String(), "source=cli")
}

func TestAuthURL(t *testing.T) {
	f := newFixture(t, false)
	assert.Contains(t, f.service.AuthURL("xyz"), "state=xyz")
}
