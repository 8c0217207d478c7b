package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/auth"
)

func newLoginCmd(root *rootOptions) *cobra.Command {
	var (
		email      string
		maxRetries int
	)

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to an existing account and print its session config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(root.cfg, root.logger)
			if err != nil {
				return fmt.Errorf("initializing authentication: %w", err)
			}

			res := r.Execute(cmd.Context(), auth.AttemptRequest{
				Mode:       auth.ModeLogin,
				Email:      email,
				MaxRetries: root.cfg.Auth.MaxRetries,
			})
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				root.logger.Error("Login failed",
					zap.String("email", email),
					zap.String("error_kind", string(res.ErrorKind)),
					zap.Int("attempts", res.Attempts))
				return fmt.Errorf("%w: %s", errAttemptFailed, res.ErrorKind)
			}
			return nil
		},
	}

	loginCmd.Flags().StringVarP(&email, "email", "e", "", "address of the account to sign in to")
	loginCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "attempts before giving up (overrides auth.max_retries)")
	_ = loginCmd.MarkFlagRequired("email")
	return loginCmd
}
