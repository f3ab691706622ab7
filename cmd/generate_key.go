package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxrank/internal/tokenstore"
)

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a new token encryption key",
		Long: `Print a random AES-256 key, base64 encoded, for --encryption-key or
INBOXRANK_ENCRYPTION_KEY.

Tokens written with one key cannot be read with another; keep the key for
as long as the token file is in use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := tokenstore.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
