package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashPasswordCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [secret]",
		Short: "Hash a peer secret for secret_hash",
		Long: `Print the bcrypt hash of a peer secret.

A peer authenticates with the secret; this provider stores only its hash in the
secret_hash field of the peer. Without an argument the secret is read from the
first line of standard input.`,
		Example: `  nimbus hash-password 's3cret'
  echo 's3cret' | nimbus hash-password`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) > 0 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}
