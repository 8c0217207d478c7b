package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/authflow/internal/auth"
	"github.com/xkilldash9x/authflow/internal/mailbox"
)

func newRegisterCmd(root *rootOptions) *cobra.Command {
	var (
		count      int
		parallel   int
		maxRetries int
	)

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create accounts on fresh addresses and print their session configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			if parallel < 1 {
				parallel = 1
			}

			provisioner, err := mailbox.NewProvisioner(root.cfg.Mailbox.EmailDomains)
			if err != nil {
				return fmt.Errorf("register needs mailbox.email_domains: %w", err)
			}
			r, err := newRunner(root.cfg, root.logger)
			if err != nil {
				return fmt.Errorf("initializing authentication: %w", err)
			}

			// Each worker owns its own browser; the orchestrator is shared.
			results := make([]auth.AttemptResult, count)
			var g errgroup.Group
			g.SetLimit(parallel)
			for i := range results {
				g.Go(func() error {
					results[i] = r.Execute(cmd.Context(), auth.AttemptRequest{
						Mode:           auth.ModeRegister,
						MaxRetries:     root.cfg.Auth.MaxRetries,
						ProvisionEmail: provisioner.NewAddress,
					})
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			for _, res := range results {
				if !res.Success {
					failed++
				}
			}
			root.logger.Info("Registration finished",
				zap.Int("requested", count),
				zap.Int("succeeded", count-failed),
				zap.Int("failed", failed))

			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d registrations failed", errAttemptFailed, failed, count)
			}
			return nil
		},
	}

	registerCmd.Flags().IntVarP(&count, "count", "n", 1, "number of accounts to create")
	registerCmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "number of browsers to run at once")
	registerCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "attempts per account before giving up (overrides auth.max_retries)")
	return registerCmd
}
