package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxrank/internal/broker"
	"github.com/teemow/inboxrank/internal/classify"
	"github.com/teemow/inboxrank/internal/gmail"
	"github.com/teemow/inboxrank/internal/google"
	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/session"
	"github.com/teemow/inboxrank/internal/tokenstore"
)

// Risk strategies selectable from the command line.
const (
	riskFixedSeed   = "fixed"
	riskContentHash = "hash"
)

// appConfig is what every command needs to build the inbox service.
type appConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	TokenFile     string
	EncryptionKey string

	// ProviderURL points every Google endpoint at one base URL.
	ProviderURL string

	RulesFile       string
	RiskStrategy    string
	RiskSeed        uint64
	RefreshOnExpiry bool

	SessionTTL       time.Duration
	FetchConcurrency int
	FetchQPS         float64
	ProviderTimeout  time.Duration
}

// addAppFlags registers the flags shared by serve, login and rank.
func addAppFlags(cmd *cobra.Command, cfg *appConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.ClientID, "google-client-id", "", "Google OAuth client ID. Can also use GOOGLE_CLIENT_ID env var.")
	f.StringVar(&cfg.ClientSecret, "google-client-secret", "", "Google OAuth client secret. Can also use GOOGLE_CLIENT_SECRET env var.")
	f.StringVar(&cfg.RedirectURL, "redirect-url", google.DefaultRedirectURL, "OAuth redirect URL registered with Google. Can also use GOOGLE_REDIRECT_URI env var.")
	f.StringVar(&cfg.TokenFile, "token-file", google.DefaultTokenFile(), "Path of the credential snapshot. Can also use INBOXRANK_TOKEN_FILE env var.")
	f.StringVar(&cfg.EncryptionKey, "encryption-key", "", "AES-256 key sealing stored tokens (32 bytes, base64 encoded). Can also use INBOXRANK_ENCRYPTION_KEY env var. Generate with: inboxrank generate-key")
	f.StringVar(&cfg.ProviderURL, "provider-url", "", "Base URL serving every Google endpoint. Can also use INBOXRANK_PROVIDER_URL env var.")
	_ = f.MarkHidden("provider-url")

	f.StringVar(&cfg.RulesFile, "rules-file", "", "JSON file overriding the classification rules. Can also use INBOXRANK_RULES_FILE env var.")
	f.StringVar(&cfg.RiskStrategy, "risk-strategy", riskFixedSeed, "Risk scoring: fixed (seeded generator) or hash (content hash)")
	f.Uint64Var(&cfg.RiskSeed, "risk-seed", classify.DefaultSeed, "Seed of the fixed risk strategy")
	f.BoolVar(&cfg.RefreshOnExpiry, "refresh-on-expiry", true, "Refresh a credential once and retry when Gmail rejects its access token. Can also use INBOXRANK_REFRESH_ON_EXPIRY env var.")

	f.DurationVar(&cfg.SessionTTL, "session-ttl", session.DefaultTTL, "Idle timeout of browser sessions")
	f.IntVar(&cfg.FetchConcurrency, "fetch-concurrency", gmail.DefaultConcurrency, "Message gets kept in flight per ranking run")
	f.Float64Var(&cfg.FetchQPS, "fetch-qps", 0, "Limit on message gets per second (0: unlimited)")
	f.DurationVar(&cfg.ProviderTimeout, "provider-timeout", 0, "Timeout of a single Google API call (0: component default)")
}

// resolve fills unset flags from the environment and validates the result.
func (c *appConfig) resolve(cmd *cobra.Command) error {
	envString(cmd, "google-client-id", &c.ClientID, "GOOGLE_CLIENT_ID")
	envString(cmd, "google-client-secret", &c.ClientSecret, "GOOGLE_CLIENT_SECRET")
	envString(cmd, "redirect-url", &c.RedirectURL, "GOOGLE_REDIRECT_URI")
	envString(cmd, "token-file", &c.TokenFile, "INBOXRANK_TOKEN_FILE")
	envString(cmd, "encryption-key", &c.EncryptionKey, "INBOXRANK_ENCRYPTION_KEY")
	envString(cmd, "provider-url", &c.ProviderURL, "INBOXRANK_PROVIDER_URL")
	envString(cmd, "rules-file", &c.RulesFile, "INBOXRANK_RULES_FILE")
	if err := envBool(cmd, "refresh-on-expiry", &c.RefreshOnExpiry, "INBOXRANK_REFRESH_ON_EXPIRY"); err != nil {
		return err
	}

	if c.ClientID == "" {
		return errors.New("google client id is required (--google-client-id or GOOGLE_CLIENT_ID)")
	}
	if c.ClientSecret == "" {
		return errors.New("google client secret is required (--google-client-secret or GOOGLE_CLIENT_SECRET)")
	}
	if c.TokenFile == "" {
		return errors.New("token file is required (--token-file or INBOXRANK_TOKEN_FILE)")
	}
	switch c.RiskStrategy {
	case riskFixedSeed, riskContentHash:
	default:
		return fmt.Errorf("unknown risk strategy %q (want %s or %s)", c.RiskStrategy, riskFixedSeed, riskContentHash)
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be at least 1, got %d", c.FetchConcurrency)
	}
	if c.FetchQPS < 0 {
		return fmt.Errorf("fetch qps must not be negative, got %v", c.FetchQPS)
	}
	return nil
}

func envString(cmd *cobra.Command, flag string, target *string, key string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envBool(cmd *cobra.Command, flag string, target *bool, key string) error {
	if cmd.Flags().Changed(flag) {
		return nil
	}
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*target = b
	return nil
}

func (c *appConfig) provider() google.Provider {
	if c.ProviderURL != "" {
		return google.WithBaseURL(c.ProviderURL)
	}
	return google.DefaultProvider()
}

// classifyConfig returns the stock rules, overlaid with RulesFile when set.
func (c *appConfig) classifyConfig() (classify.Config, error) {
	cfg := classify.DefaultConfig()
	if c.RulesFile != "" {
		data, err := os.ReadFile(c.RulesFile)
		if err != nil {
			return classify.Config{}, fmt.Errorf("failed to read rules file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return classify.Config{}, fmt.Errorf("failed to parse rules file %s: %w", c.RulesFile, err)
		}
	}

	switch c.RiskStrategy {
	case riskContentHash:
		cfg.Risk = classify.ContentHash{}
	default:
		cfg.Risk = classify.FixedSeed{Seed: c.RiskSeed}
	}

	if err := cfg.Validate(); err != nil {
		return classify.Config{}, fmt.Errorf("invalid classification rules: %w", err)
	}
	return cfg, nil
}

// appDeps are the process-wide collaborators the app is built around.
type appDeps struct {
	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
}

// app is the wired inbox service and the parts that need closing.
type app struct {
	store   *tokenstore.Store
	binder  *session.Binder
	service *inbox.Service
}

// buildApp wires store, broker, session binder, fetcher and classifier
// into an inbox service. Close releases it.
func buildApp(cfg appConfig, deps appDeps) (*app, error) {
	key, err := tokenstore.KeyFromBase64(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	var enc *tokenstore.Encryption
	if key != nil {
		if enc, err = tokenstore.NewEncryption(key); err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
	}

	rules, err := cfg.classifyConfig()
	if err != nil {
		return nil, err
	}

	provider := cfg.provider()
	store := tokenstore.New(tokenstore.Options{
		Path:       cfg.TokenFile,
		Encryption: enc,
		Logger:     deps.Logger,
	})
	b, err := broker.New(store, broker.Config{
		Credentials: google.Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
		},
		Provider: provider,
		Timeout:  cfg.ProviderTimeout,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	binder := session.NewBinder(session.Options{
		TTL:     cfg.SessionTTL,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	})
	fetcher := gmail.NewFetcher(b, gmail.Config{
		APIBaseURL:  provider.APIBaseURL,
		Timeout:     cfg.ProviderTimeout,
		Concurrency: cfg.FetchConcurrency,
		QPS:         cfg.FetchQPS,
		Burst:       cfg.FetchConcurrency,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
	})

	service := inbox.New(inbox.Config{
		Credentials:     b,
		Sessions:        binder,
		Fetcher:         fetcher,
		Classifier:      classify.New(rules, classify.WithLogger(deps.Logger)),
		Accounts:        store,
		RefreshOnExpiry: cfg.RefreshOnExpiry,
		Metrics:         deps.Metrics,
		Audit:           deps.Audit,
		Logger:          deps.Logger,
	})

	return &app{store: store, binder: binder, service: service}, nil
}

// Close stops the session binder's cleanup loop.
func (a *app) Close() {
	a.binder.Stop()
}

// newLogger returns the process logger. Logs go to w so that stdout stays
// free for command output and the stdio transport.
func newLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	return logging.New(w, debug)
}
