package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/session"
)

func newLoginCmd() *cobra.Command {
	var cfg appConfig

	cmd := &cobra.Command{
		Use:   "login [code]",
		Short: "Sign a Google account in and store its credential",
		Long: `Print the Google consent URL, then exchange the authorization code for a
credential and store it in the token file.

The code can be passed as an argument; otherwise it is read from stdin.
Signing in several accounts one after another keeps all of them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolve(cmd); err != nil {
				return err
			}
			return runLogin(cmd, cfg, args)
		},
	}

	addAppFlags(cmd, &cfg)
	return cmd
}

func runLogin(cmd *cobra.Command, cfg appConfig, args []string) error {
	a, err := buildApp(cfg, appDeps{Logger: newLogger(cmd, cmd.ErrOrStderr())})
	if err != nil {
		return err
	}
	defer a.Close()

	code := ""
	if len(args) == 1 {
		code = strings.TrimSpace(args[0])
	} else {
		state, err := session.GenerateID()
		if err != nil {
			return fmt.Errorf("failed to create login state: %w", err)
		}
		out := cmd.ErrOrStderr()
		fmt.Fprintf(out, "Visit this URL to sign in:\n\n  %s\n\n", a.service.AuthURL(state))
		fmt.Fprint(out, "Authorization code: ")
		if code, err = readCode(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if code == "" {
		return errors.New("authorization code is required")
	}

	ctx := inbox.WithSource(cmd.Context(), inbox.SourceCLI)
	identity, err := a.service.Login(ctx, code)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", identity)
	return nil
}

func readCode(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
