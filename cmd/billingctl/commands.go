package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/app"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tool for cover letter billing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	load := func() (*app.App, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log, "billingctl")
		return app.New(cfg)
	}

	root.AddCommand(
		newAuditCmd(load),
		newGrantCmd(load),
		newReconcileCmd(load),
		newSyncSubscriptionCmd(load),
		newRetryWebhooksCmd(load),
	)
	return root
}

type loader func() (*app.App, error)

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAuditCmd(load loader) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare stored balances against the transaction ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			if userID != "" {
				report, err := a.Entitlements.AuditUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			}

			checked, mismatches, err := a.Entitlements.AuditAll(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, map[string]interface{}{
				"checked":    checked,
				"mismatches": mismatches,
			}); err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%d of %d entitlements do not match the ledger", len(mismatches), checked)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "audit a single user")
	return cmd
}

func newGrantCmd(load loader) *cobra.Command {
	var details string

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits, free generations or unlimited access",
	}
	grant.PersistentFlags().StringVar(&details, "details", "Manual grant", "ledger details")

	amountArgs := func(args []string) (string, int, error) {
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid amount %q", args[1])
		}
		return args[0], amount, nil
	}

	grant.AddCommand(
		&cobra.Command{
			Use:   "credits <user-id> <amount>",
			Short: "Add purchased-equivalent credits",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, amount, err := amountArgs(args)
				if err != nil {
					return err
				}
				a, err := load()
				if err != nil {
					return err
				}
				defer a.Close()

				// 尚未登录过的用户先初始化
				if _, err := a.Entitlements.EnsureEntitlement(cmd.Context(), userID); err != nil {
					return err
				}
				balance, err := a.Entitlements.GrantCredits(cmd.Context(), userID, amount, details)
				if err != nil {
					return err
				}
				return printJSON(cmd, balance)
			},
		},
		&cobra.Command{
			Use:   "free <user-id> <amount>",
			Short: "Add free generations",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, amount, err := amountArgs(args)
				if err != nil {
					return err
				}
				a, err := load()
				if err != nil {
					return err
				}
				defer a.Close()

				// 尚未登录过的用户先初始化
				if _, err := a.Entitlements.EnsureEntitlement(cmd.Context(), userID); err != nil {
					return err
				}
				balance, err := a.Entitlements.GrantFreeGenerations(cmd.Context(), userID, amount, details)
				if err != nil {
					return err
				}
				return printJSON(cmd, balance)
			},
		},
		&cobra.Command{
			Use:   "unlimited <user-id>",
			Short: "Mark a user as having unlimited credits",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := load()
				if err != nil {
					return err
				}
				defer a.Close()

				// 尚未登录过的用户先初始化
				if _, err := a.Entitlements.EnsureEntitlement(cmd.Context(), args[0]); err != nil {
					return err
				}
				balance, err := a.Entitlements.GrantUnlimited(cmd.Context(), args[0], details)
				if err != nil {
					return err
				}
				return printJSON(cmd, balance)
			},
		},
	)
	return grant
}

func newReconcileCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <checkout-session-id>",
		Short: "Apply a completed checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Reconciler.ReconcileCheckout(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"kind":            result.Kind,
				"user_id":         result.UserID,
				"already_applied": result.AlreadyApplied,
				"credits_added":   result.CreditsAdded,
			})
		},
	}
}

func newSyncSubscriptionCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-subscription <stripe-subscription-id>",
		Short: "Refresh a subscription from the payment provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.Reconciler.SyncSubscription(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, sub)
		},
	}
}

func newRetryWebhooksCmd(load loader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "retry-webhooks",
		Short: "Reprocess webhook events that have not completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			done, err := a.Webhooks.RetryPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"processed": done})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to process")
	return cmd
}
