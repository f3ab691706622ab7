package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/inboxrank/internal/broker"
	"github.com/teemow/inboxrank/internal/classify"
	"github.com/teemow/inboxrank/internal/gmail"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/mail"
	"github.com/teemow/inboxrank/internal/session"
	"github.com/teemow/inboxrank/internal/tokenstore"
)

const (
	DefaultMaxResults = 10
	MaxMaxResults     = 100
	DefaultWindow     = 24 * time.Hour

	// MaxWindowHours is the widest recency window callers may ask for.
	MaxWindowHours = 24 * 366
)

// WindowHours converts a window given in hours. Zero selects DefaultWindow
// later on; negative values and values above MaxWindowHours are rejected.
func WindowHours(hours int) (time.Duration, error) {
	if hours < 0 || hours > MaxWindowHours {
		return 0, fmt.Errorf("hours must be between 0 and %d", MaxWindowHours)
	}
	return time.Duration(hours) * time.Hour, nil
}

// ErrNoSession is returned when a session reference does not resolve. It
// matches both broker.ErrAuthRequired and session.ErrNoSession.
var ErrNoSession = fmt.Errorf("%w: %w", broker.ErrAuthRequired, session.ErrNoSession)

// Credentials is the credential broker. *broker.Broker satisfies it.
type Credentials interface {
	AuthCodeURL(state string) string
	ExchangeAuthorizationCode(ctx context.Context, code string) (tokenstore.Record, string, error)
	RefreshCredential(ctx context.Context, identity string) error
	Revoke(ctx context.Context, identity string) error
	HasCredential(identity string) bool
}

// Sessions is the session binder. *session.Binder satisfies it.
type Sessions interface {
	Bind(identity string) (string, error)
	Resolve(ref string) (string, bool)
	Unbind(ref string) bool
}

// Fetcher reads messages. *gmail.Fetcher satisfies it.
type Fetcher interface {
	ListRecent(ctx context.Context, identity string, limit int) ([]string, error)
	FetchBatch(ctx context.Context, identity string, ids []string) gmail.Batch
}

// Classifier annotates messages. *classify.Pipeline satisfies it.
type Classifier interface {
	Classify(msgs []mail.RawMessage, window time.Duration, topN int) []classify.AnnotatedMessage
}

// Accounts lists the identities with a stored credential.
// *tokenstore.Store satisfies it.
type Accounts interface {
	Identities() []string
}

// Config wires a Service.
type Config struct {
	Credentials Credentials
	Sessions    Sessions
	Fetcher     Fetcher
	Classifier  Classifier
	Accounts    Accounts

	// RefreshOnExpiry refreshes the credential once and retries when the
	// provider rejects the access token while listing messages.
	RefreshOnExpiry bool

	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
	Logger  *slog.Logger
}

// Service implements the inbox operations.
type Service struct {
	creds      Credentials
	sessions   Sessions
	fetcher    Fetcher
	classifier Classifier
	accounts   Accounts

	refreshOnExpiry bool

	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger
	logger  *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{
		creds:           cfg.Credentials,
		sessions:        cfg.Sessions,
		fetcher:         cfg.Fetcher,
		classifier:      cfg.Classifier,
		accounts:        cfg.Accounts,
		refreshOnExpiry: cfg.RefreshOnExpiry,
		metrics:         cfg.Metrics,
		audit:           cfg.Audit,
		logger:          logging.WithComponent(cfg.Logger, "inbox"),
	}
}

// Options controls one ranking run.
type Options struct {
	// MaxResults is how many recent messages are listed. Zero means
	// DefaultMaxResults; values above MaxMaxResults are capped.
	MaxResults int
	// Window is the recency window. Zero means DefaultWindow.
	Window time.Duration
	// TopN keeps only the highest priority messages. Zero keeps all of
	// them in mailbox order.
	TopN int
}

func (o Options) normalize() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	o.MaxResults = min(o.MaxResults, MaxMaxResults)
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	o.TopN = max(o.TopN, 0)
	return o
}

// FetchFailure is a message that was listed but could not be fetched.
type FetchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result is a ranked inbox.
type Result struct {
	Count  int                         `json:"count"`
	Emails []classify.AnnotatedMessage `json:"emails"`
	// Requested is the number of messages listed; Failed of those could not
	// be fetched and are missing from Emails.
	Requested int            `json:"requested"`
	Failed    int            `json:"failed"`
	Failures  []FetchFailure `json:"failures,omitempty"`
}

// AuthURL returns the provider consent URL carrying state.
func (s *Service) AuthURL(state string) string {
	return s.creds.AuthCodeURL(state)
}

// CompleteLogin exchanges code, stores the credential and binds a new
// session to the resolved identity.
func (s *Service) CompleteLogin(ctx context.Context, code string) (ref, identity string, err error) {
	event := instrumentation.NewAuditEvent(instrumentation.AuditLogin, sourceFrom(ctx)).WithSpanContext(ctx)
	defer func() {
		s.audit.Log(event.WithIdentity(identity).Complete(err))
	}()

	if _, identity, err = s.creds.ExchangeAuthorizationCode(ctx, code); err != nil {
		return "", "", err
	}
	if ref, err = s.sessions.Bind(identity); err != nil {
		return "", identity, fmt.Errorf("bind session: %w", err)
	}
	return ref, identity, nil
}

// Login exchanges code and stores the credential without binding a session.
func (s *Service) Login(ctx context.Context, code string) (identity string, err error) {
	event := instrumentation.NewAuditEvent(instrumentation.AuditLogin, sourceFrom(ctx)).WithSpanContext(ctx)
	defer func() {
		s.audit.Log(event.WithIdentity(identity).Complete(err))
	}()

	_, identity, err = s.creds.ExchangeAuthorizationCode(ctx, code)
	return identity, err
}

// Status returns the identity behind ref and whether it is logged in, that
// is bound to a session and backed by a stored credential.
func (s *Service) Status(ref string) (string, bool) {
	identity, ok := s.sessions.Resolve(ref)
	if !ok || !s.creds.HasCredential(identity) {
		return "", false
	}
	return identity, true
}

// HasCredential reports whether identity has a stored credential.
func (s *Service) HasCredential(identity string) bool {
	return s.creds.HasCredential(identity)
}

// Accounts lists the identities with a stored credential.
func (s *Service) Accounts() []string {
	if s.accounts == nil {
		return nil
	}
	return s.accounts.Identities()
}

// Logout unbinds ref. The credential stays stored unless revoke is set, in
// which case it is revoked at the provider and deleted.
//
// Logging out an unknown reference is a no-op; revoking through one
// returns ErrNoSession.
func (s *Service) Logout(ctx context.Context, ref string, revoke bool) error {
	identity, ok := s.sessions.Resolve(ref)
	if !ok {
		if revoke {
			return ErrNoSession
		}
		return nil
	}
	s.sessions.Unbind(ref)
	s.audit.Log(instrumentation.NewAuditEvent(instrumentation.AuditLogout, sourceFrom(ctx)).
		WithSpanContext(ctx).WithIdentity(identity).Complete(nil))

	if !revoke {
		return nil
	}
	return s.Revoke(ctx, identity)
}

// Revoke revokes and deletes the stored credential of identity.
func (s *Service) Revoke(ctx context.Context, identity string) error {
	err := s.creds.Revoke(ctx, identity)
	s.audit.Log(instrumentation.NewAuditEvent(instrumentation.AuditRevoke, sourceFrom(ctx)).
		WithSpanContext(ctx).WithIdentity(identity).Complete(err))
	return err
}

// RankRecent ranks the inbox of the identity bound to ref.
func (s *Service) RankRecent(ctx context.Context, ref string, opts Options) (*Result, error) {
	identity, ok := s.sessions.Resolve(ref)
	if !ok {
		return nil, ErrNoSession
	}
	return s.RankForIdentity(ctx, identity, opts)
}

// RankForIdentity lists the newest messages of identity, fetches them and
// runs them through the classifier.
//
// Messages that fail to fetch are reported in Result.Failures and do not
// fail the call. Listing errors are returned as is: broker.ErrAuthRequired,
// gmail.ErrCredentialExpired or a *gmail.ProviderError.
func (s *Service) RankForIdentity(ctx context.Context, identity string, opts Options) (res *Result, err error) {
	opts = opts.normalize()

	ctx, span := instrumentation.StartSpan(ctx, "inbox.rank",
		attribute.String(instrumentation.SpanAttrUserHash, logging.AnonymizeEmail(identity)))
	defer func() { instrumentation.EndSpan(span, err) }()

	event := instrumentation.NewAuditEvent(instrumentation.AuditRank, sourceFrom(ctx)).
		WithSpanContext(ctx).WithIdentity(identity)
	defer func() { s.audit.Log(event.Complete(err)) }()

	ids, err := s.fetcher.ListRecent(ctx, identity, opts.MaxResults)
	if err != nil && s.refreshOnExpiry && errors.Is(err, gmail.ErrCredentialExpired) {
		if s.refresh(ctx, identity) {
			ids, err = s.fetcher.ListRecent(ctx, identity, opts.MaxResults)
		}
	}
	if err != nil {
		return nil, err
	}

	batch := s.fetcher.FetchBatch(ctx, identity, ids)
	if batch.Expired() {
		s.logger.Warn("Access token rejected while fetching messages", logging.UserHash(identity))
	}
	emails := s.classifier.Classify(batch.Messages, opts.Window, opts.TopN)
	for category, n := range classify.CountByCategory(emails) {
		s.metrics.RecordClassified(ctx, string(category), n)
	}

	res = &Result{
		Count:     len(emails),
		Emails:    emails,
		Requested: len(ids),
		Failed:    len(batch.Failures),
	}
	for _, f := range batch.Failures {
		res.Failures = append(res.Failures, FetchFailure{ID: f.ID, Error: f.Err.Error()})
	}
	span.SetAttributes(attribute.Int(instrumentation.SpanAttrCount, res.Count))
	event.WithDetail(fmt.Sprintf("listed=%d failed=%d returned=%d", res.Requested, res.Failed, res.Count))

	s.logger.Info("Inbox ranked",
		logging.UserHash(identity),
		"listed", res.Requested,
		"failed", res.Failed,
		"returned", res.Count)
	return res, nil
}

// refresh renews the credential of identity once and reports success.
func (s *Service) refresh(ctx context.Context, identity string) bool {
	err := s.creds.RefreshCredential(ctx, identity)
	s.audit.Log(instrumentation.NewAuditEvent(instrumentation.AuditRefresh, sourceFrom(ctx)).
		WithSpanContext(ctx).WithIdentity(identity).WithDetail("access token rejected").Complete(err))
	if err != nil {
		s.logger.Warn("Refresh after rejected access token failed", logging.UserHash(identity), logging.Err(err))
		return false
	}
	return true
}
