package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxrank/internal/google"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/mail"
)

const (
	// DefaultTimeout bounds every single provider call.
	DefaultTimeout = 10 * time.Second
	// DefaultConcurrency is the number of message gets FetchBatch keeps in flight.
	DefaultConcurrency = 4

	// maxPageSize is the largest page users.messages.list accepts.
	maxPageSize = 500

	userID = "me"
)

// CredentialSource hands out the current access token for an identity.
// *broker.Broker satisfies it.
type CredentialSource interface {
	EnsureValid(ctx context.Context, identity string) (string, error)
}

// Config configures a Fetcher.
type Config struct {
	// APIBaseURL defaults to google.APIBaseURL.
	APIBaseURL string
	HTTPClient *http.Client

	Timeout     time.Duration
	Concurrency int
	// QPS limits message gets across all batches. Zero means unlimited.
	QPS   float64
	Burst int

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Fetcher reads messages through the Gmail API.
type Fetcher struct {
	creds       CredentialSource
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher that authenticates through creds.
func NewFetcher(creds CredentialSource, cfg Config) *Fetcher {
	f := &Fetcher{
		creds:       creds,
		baseURL:     cfg.APIBaseURL,
		client:      cfg.HTTPClient,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(cfg.Logger, "gmail"),
	}
	if f.baseURL == "" {
		f.baseURL = google.APIBaseURL
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.concurrency <= 0 {
		f.concurrency = DefaultConcurrency
	}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = f.concurrency
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return f
}

// users builds a Gmail client that sends token as a bearer credential.
func (f *Fetcher) users(ctx context.Context, token string) (*gmail.UsersService, error) {
	bearer := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, f.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
	)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(bearer), option.WithEndpoint(f.baseURL))
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	return svc.Users, nil
}

// ListRecent returns the ids of up to limit of the newest messages, newest
// first. A non-positive limit returns nothing without calling the provider.
func (f *Fetcher) ListRecent(ctx context.Context, identity string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	token, err := f.creds.EnsureValid(ctx, identity)
	if err != nil {
		return nil, err
	}
	users, err := f.users(ctx, token)
	if err != nil {
		return nil, err
	}

	ctx, span := instrumentation.StartProviderSpan(ctx, instrumentation.ServiceGmail, instrumentation.OperationList)
	start := time.Now()

	ids, err := f.list(ctx, users, limit)

	f.metrics.RecordProviderOperation(ctx, instrumentation.ServiceGmail, instrumentation.OperationList,
		instrumentation.StatusFor(err), identity, time.Since(start))
	span.SetAttributes(attribute.Int(instrumentation.SpanAttrCount, len(ids)))
	instrumentation.EndSpan(span, err)

	if err != nil {
		f.logger.Debug("Message list failed", logging.UserHash(identity), logging.Err(err))
		return nil, err
	}
	return ids, nil
}

func (f *Fetcher) list(ctx context.Context, users *gmail.UsersService, limit int) ([]string, error) {
	ids := make([]string, 0, limit)
	pageToken := ""
	for len(ids) < limit {
		call := users.Messages.List(userID).MaxResults(int64(min(limit-len(ids), maxPageSize)))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		res, err := call.Context(callCtx).Do()
		cancel()
		if err != nil {
			return nil, classifyError(instrumentation.OperationList, "", err)
		}

		for _, m := range res.Messages {
			if len(ids) == limit {
				break
			}
			ids = append(ids, m.Id)
		}
		pageToken = res.NextPageToken
		if pageToken == "" || len(res.Messages) == 0 {
			break
		}
	}
	return ids, nil
}

// FetchFull fetches one message with its headers and snippet.
func (f *Fetcher) FetchFull(ctx context.Context, identity, id string) (mail.RawMessage, error) {
	token, err := f.creds.EnsureValid(ctx, identity)
	if err != nil {
		return mail.RawMessage{}, err
	}
	users, err := f.users(ctx, token)
	if err != nil {
		return mail.RawMessage{}, err
	}
	return f.get(ctx, users, identity, id)
}

func (f *Fetcher) get(ctx context.Context, users *gmail.UsersService, identity, id string) (mail.RawMessage, error) {
	ctx, span := instrumentation.StartProviderSpan(ctx, instrumentation.ServiceGmail, instrumentation.OperationGet,
		attribute.String(instrumentation.SpanAttrMessageID, id))
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	m, err := users.Messages.Get(userID, id).Format("full").Context(callCtx).Do()
	cancel()
	if err != nil {
		err = classifyError(instrumentation.OperationGet, id, err)
	}

	f.metrics.RecordProviderOperation(ctx, instrumentation.ServiceGmail, instrumentation.OperationGet,
		instrumentation.StatusFor(err), identity, time.Since(start))
	instrumentation.EndSpan(span, err)

	if err != nil {
		return mail.RawMessage{}, err
	}
	return toRawMessage(id, m), nil
}

// Failure is a message that could not be fetched.
type Failure struct {
	ID  string
	Err error
}

// Batch is the result of FetchBatch.
type Batch struct {
	// Messages holds the fetched messages in input order.
	Messages []mail.RawMessage
	// Failures holds the messages that were not fetched, in input order.
	Failures []Failure
}

// Expired reports whether any failure was an expired credential.
func (b Batch) Expired() bool {
	for _, f := range b.Failures {
		if errors.Is(f.Err, ErrCredentialExpired) {
			return true
		}
	}
	return false
}

// FetchBatch fetches ids concurrently, at most Concurrency at a time.
//
// Cancelling ctx stops scheduling further gets; the ones not started are
// reported as failures with ctx's error. Gets already in flight run to
// completion under the per-call timeout.
func (f *Fetcher) FetchBatch(ctx context.Context, identity string, ids []string) Batch {
	if len(ids) == 0 {
		return Batch{}
	}

	ctx, span := instrumentation.StartSpan(ctx, "gmail.fetch_batch",
		attribute.Int(instrumentation.SpanAttrCount, len(ids)))
	defer span.End()

	messages := make([]mail.RawMessage, len(ids))
	errs := make([]error, len(ids))

	token, err := f.creds.EnsureValid(ctx, identity)
	var users *gmail.UsersService
	if err == nil {
		users, err = f.users(ctx, token)
	}
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return f.assemble(ctx, identity, ids, messages, errs)
	}

	inflight := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, id := range ids {
		if err := f.wait(ctx); err != nil {
			for j := i; j < len(ids); j++ {
				errs[j] = err
			}
			break
		}
		g.Go(func() error {
			// Go may have blocked on the limit past cancellation.
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			messages[i], errs[i] = f.get(inflight, users, identity, id)
			return nil
		})
	}
	_ = g.Wait()

	return f.assemble(ctx, identity, ids, messages, errs)
}

// wait blocks until the next get may be scheduled.
func (f *Fetcher) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Wait(ctx)
}

func (f *Fetcher) assemble(ctx context.Context, identity string, ids []string, messages []mail.RawMessage, errs []error) Batch {
	var b Batch
	for i, id := range ids {
		if errs[i] != nil {
			b.Failures = append(b.Failures, Failure{ID: id, Err: errs[i]})
			continue
		}
		b.Messages = append(b.Messages, messages[i])
	}

	f.metrics.RecordFetchBatch(ctx, len(b.Messages), len(b.Failures))
	if len(b.Failures) > 0 {
		f.logger.Warn("Some messages could not be fetched",
			logging.UserHash(identity),
			"requested", len(ids),
			"failed", len(b.Failures),
			logging.Err(b.Failures[0].Err))
	}
	return b
}
