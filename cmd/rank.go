package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/tools/common"
)

// rankFlags are the per-run options of the rank command.
type rankFlags struct {
	Account    string
	MaxResults int
	Hours      int
	TopN       int
}

func newRankCmd() *cobra.Command {
	var (
		cfg   appConfig
		flags rankFlags
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank the newest messages of a signed in account",
		Long: `Fetch the newest Gmail messages of a signed in account, classify them and
print the result as JSON.

Without --account the only signed in account is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.resolve(cmd); err != nil {
				return err
			}
			if flags.MaxResults < 0 || flags.Hours < 0 || flags.TopN < 0 {
				return errors.New("--max, --hours and --top must not be negative")
			}
			if _, err := inbox.WindowHours(flags.Hours); err != nil {
				return fmt.Errorf("--hours: %w", err)
			}
			return runRank(cmd, cfg, flags)
		},
	}

	addAppFlags(cmd, &cfg)
	cmd.Flags().StringVar(&flags.Account, "account", "", "Email address of the account to rank")
	cmd.Flags().IntVar(&flags.MaxResults, "max", inbox.DefaultMaxResults, fmt.Sprintf("How many recent messages to fetch (max %d)", inbox.MaxMaxResults))
	cmd.Flags().IntVar(&flags.Hours, "hours", int(inbox.DefaultWindow/time.Hour), "Only keep messages from the last N hours")
	cmd.Flags().IntVar(&flags.TopN, "top", 0, "Only print the N highest priority messages (0: all, in mailbox order)")
	return cmd
}

func runRank(cmd *cobra.Command, cfg appConfig, flags rankFlags) error {
	a, err := buildApp(cfg, appDeps{Logger: newLogger(cmd, cmd.ErrOrStderr())})
	if err != nil {
		return err
	}
	defer a.Close()

	identity, err := pickAccount(flags.Account, a.service.Accounts())
	if err != nil {
		return err
	}

	ctx := inbox.WithSource(cmd.Context(), inbox.SourceCLI)
	window, _ := inbox.WindowHours(flags.Hours)
	res, err := a.service.RankForIdentity(ctx, identity, inbox.Options{
		MaxResults: flags.MaxResults,
		Window:     window,
		TopN:       flags.TopN,
	})
	if err != nil {
		return fmt.Errorf("failed to rank %s: %w", identity, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// pickAccount resolves the account the way the MCP tools do, with hints
// pointing at the login command.
func pickAccount(account string, accounts []string) (string, error) {
	identity, err := common.ResolveAccount(map[string]any{"account": account}, accounts)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, common.ErrNoAccount):
		return "", errors.New("no account is signed in; run inboxrank login first")
	case errors.Is(err, common.ErrAmbiguousAccount):
		return "", errors.New("several accounts are signed in; pass --account")
	default:
		return "", fmt.Errorf("account %q is not signed in; run inboxrank login first", account)
	}
}
