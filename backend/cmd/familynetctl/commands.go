package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"familynet/backend/internal/app"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/state"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func repairCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Add missing reverse entries across every family network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pageSize, _ := cmd.Flags().GetInt("page-size")
			maxRecords, _ := cmd.Flags().GetInt("max-records")

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				opts := a.Auditor.Options()
				if pageSize > 0 {
					opts.PageSize = pageSize
				}
				if maxRecords > 0 {
					opts.MaxRecords = maxRecords
				}

				report, err := a.Auditor.WithOptions(opts).RepairPass(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().Int("page-size", 0, "Records per scan page (default from REPAIR_PAGE_SIZE)")
	cmd.Flags().Int("max-records", 0, "Stop after scanning this many records")

	return cmd
}

func dedupCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup [account-id]",
		Short: "Remove repeated entries from one family network, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return fmt.Errorf("pass an account id or --all")
			}

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if all {
					report, err := a.Auditor.DedupAll(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				}

				removed, err := a.Auditor.DedupPass(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"account_id": args[0], "removed": removed})
			})
		},
	}

	cmd.Flags().Bool("all", false, "Dedup every family network")

	return cmd
}

func reconcileCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <request-id>",
		Short: "Re-run edge reconciliation for an accepted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				result, err := a.Ledger.RetryReconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"request_id":              args[0],
					"sender_entry_created":    result.SenderEntryCreated,
					"recipient_entry_created": result.RecipientEntryCreated,
				})
			})
		},
	}
}

func tokenCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue a bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, _ := cmd.Flags().GetBool("admin")

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				token, err := a.Tokens.Issue(args[0], admin)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}

	cmd.Flags().Bool("admin", false, "Grant access to the admin routes")

	return cmd
}

func registerCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <account-id> <email> <name>",
		Short: "Add or update an account in the identity directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, _ := cmd.Flags().GetBool("admin")
			acc := identity.Account{ID: args[0], Email: args[1], Name: args[2], Admin: admin}

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Directory.Register(ctx, acc); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "registered %s <%s>\n", acc.ID, identity.NormalizeEmail(acc.Email))
				return err
			})
		},
	}

	cmd.Flags().Bool("admin", false, "Mark the account as an administrator")

	return cmd
}

func requestsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests <account-id>",
		Short: "List the requests an account sent and received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("status")
			status, ok := state.ParseRequestStatus(raw)
			if !ok {
				return fmt.Errorf("unknown status %q", raw)
			}

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				list, err := a.Ledger.ListFor(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}

	cmd.Flags().StringP("status", "s", "", "Filter by status (pending, accepted, declined)")

	return cmd
}
