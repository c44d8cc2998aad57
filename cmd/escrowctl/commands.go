package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/escrowapi"
	"escrowdesk/report"
)

const requestTimeout = 30 * time.Second

func loginCmd(flags *globalFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange admin credentials for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("ESCROWDESK_PASSWORD")
			}
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password (or ESCROWDESK_PASSWORD) are required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			resp, err := escrowapi.NewClient(flags.server, nil).Login(ctx, email, password)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s (%s), session valid until %s\n",
				resp.User.FullName, resp.User.Role, resp.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Fprintf(out, "export ESCROWDESK_TOKEN=%s\n", resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

func listCmd(flags *globalFlags) *cobra.Command {
	var (
		status, search string
		page, pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrow transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}

			board := dispute.NewBoard(client)
			result, err := board.Load(ctx, escrow.Filter{Status: statusFilter(status), Search: search, Page: page, PageSize: pageSize})
			if err != nil {
				return err
			}
			printTransactions(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "active, pending, disputed, released or all")
	cmd.Flags().StringVarP(&search, "search", "q", "", "match transaction, order, customer or merchant id")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "rows per page")
	return cmd
}

func showCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction with its evidence and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, session, err := connect(ctx, flags)
			if err != nil {
				return err
			}

			desk := dispute.NewDesk(client, dispute.NewBoard(client), session, cliLogger())
			review, err := desk.OpenReview(ctx, args[0])
			if err != nil {
				return err
			}
			defer review.Close()
			printReview(cmd.OutOrStdout(), review)
			return nil
		},
	}
}

func resolveCmd(flags *globalFlags) *cobra.Command {
	var (
		action, notes      string
		customer, merchant string
	)
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a disputed transaction",
		Long: `Apply a resolution to a disputed escrow. Actions:
  release_merchant  pay the full amount to the merchant
  refund_customer   refund the full amount to the customer
  partial_refund    split the amount (--customer and --merchant must add up to it)
  escalate          flag for higher-tier review; the escrow stays disputed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := escrow.Resolution{Action: escrow.Action(action), Notes: notes}
			if res.Action == escrow.ActionPartialRefund {
				split, err := parseSplit(customer, merchant)
				if err != nil {
					return err
				}
				res.Split = split
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, session, err := connect(ctx, flags)
			if err != nil {
				return err
			}

			desk := dispute.NewDesk(client, dispute.NewBoard(client), session, cliLogger())
			review, err := desk.OpenReview(ctx, args[0])
			if err != nil {
				return err
			}
			defer review.Close()

			updated, err := review.Submit(ctx, res)
			if err != nil {
				return explain(err, desk, args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is now %s (version %d)\n", updated.ID, updated.Status, updated.Version)
			if updated.Escalated && updated.Status == escrow.StatusDisputed {
				fmt.Fprintln(out, "Escalated for higher-tier review.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", "", "release_merchant, refund_customer, partial_refund or escalate")
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "resolution notes (required)")
	cmd.Flags().StringVar(&customer, "customer", "", "customer share for partial_refund")
	cmd.Flags().StringVar(&merchant, "merchant", "", "merchant share for partial_refund")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func releaseCmd(flags *globalFlags) *cobra.Command {
	var justification string
	var version int64
	cmd := &cobra.Command{
		Use:   "early-release <id>",
		Short: "Release held funds to the merchant before the hold period ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			out, err := client.EarlyRelease(ctx, args[0], justification, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s released to merchant (version %d)\n", out.Transaction.ID, out.Transaction.Version)
			if out.FundsPending {
				fmt.Fprintln(cmd.OutOrStdout(), "Funds movement is queued and not yet acknowledged.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&justification, "justification", "j", "", "reason for releasing early (required)")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail if the transaction changed since this version")
	return cmd
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show escrow balance and status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total escrow balance: %s\n", stats.HeldBalance.StringFixed(2))
			for _, s := range escrow.Statuses {
				fmt.Fprintf(out, "  %-10s %d\n", s, stats.Counts[s])
			}
			fmt.Fprintf(out, "  %-10s %d\n", "escalated", stats.Escalated)
			return nil
		},
	}
}

func exportCmd(flags *globalFlags) *cobra.Command {
	var output, status string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export transactions to an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}

			txs, err := fetchAll(ctx, client, statusFilter(status))
			if err != nil {
				return err
			}
			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			if err := report.WriteWorkbook(f, txs, stats); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d transactions to %s\n", len(txs), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "escrows.xlsx", "workbook path")
	cmd.Flags().StringVarP(&status, "status", "s", "", "limit to one status")
	return cmd
}

type lister interface {
	List(ctx context.Context, filter escrow.Filter) (escrow.Page, error)
}

// fetchAll walks every page of the listing.
func fetchAll(ctx context.Context, api lister, status escrow.Status) ([]escrow.Transaction, error) {
	const pageSize = 100
	var out []escrow.Transaction
	for page := 1; ; page++ {
		result, err := api.List(ctx, escrow.Filter{Status: status, Page: page, PageSize: pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, result.Items...)
		if len(result.Items) == 0 || len(out) >= result.Total {
			return out, nil
		}
	}
}

func statusFilter(s string) escrow.Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "all" {
		return ""
	}
	return escrow.Status(s)
}

func parseSplit(customer, merchant string) (*escrow.Split, error) {
	if customer == "" || merchant == "" {
		return nil, fmt.Errorf("partial_refund needs --customer and --merchant")
	}
	c, err := decimal.NewFromString(customer)
	if err != nil {
		return nil, fmt.Errorf("invalid --customer amount %q", customer)
	}
	m, err := decimal.NewFromString(merchant)
	if err != nil {
		return nil, fmt.Errorf("invalid --merchant amount %q", merchant)
	}
	return &escrow.Split{Customer: c, Merchant: m}, nil
}

// explain adds operator guidance to workflow errors.
func explain(err error, desk *dispute.Desk, id string) error {
	switch {
	case errors.Is(err, escrow.ErrConcurrentModification):
		if t, ok := desk.Board().Get(id); ok {
			return fmt.Errorf("%w\n%s was changed by someone else and is now %s (version %d); review it again", err, id, t.Status, t.Version)
		}
	case errors.Is(err, dispute.ErrLocked):
		return fmt.Errorf("%w\nlog in again with escrowctl login", err)
	case errors.Is(err, escrow.ErrNetwork):
		return fmt.Errorf("%w\nthe resolution may or may not have been applied; run escrowctl show %s before retrying", err, id)
	}
	return err
}

func printTransactions(w io.Writer, page escrow.Page) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORDER\tAMOUNT\tSTATUS\tCUSTOMER\tMERCHANT\tHELD SINCE\tVERSION")
	for _, t := range page.Items {
		status := string(t.Status)
		if t.Escalated {
			status += " (escalated)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\t%s\t%d\n",
			t.ID, t.OrderID, t.Currency, t.Amount.StringFixed(2), status, t.CustomerID, t.MerchantID,
			t.HeldSince.Local().Format("2006-01-02 15:04"), t.Version)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d, %d of %d shown\n", page.Page, len(page.Items), page.Total)
}

func printReview(w io.Writer, r *dispute.Review) {
	t := r.Current()
	fmt.Fprintf(w, "%s  order %s  %s %s  %s  version %d\n", t.ID, t.OrderID, t.Currency, t.Amount.StringFixed(2), t.Status, t.Version)
	fmt.Fprintf(w, "customer %s  merchant %s\n", t.CustomerID, t.MerchantID)
	if t.DisputeReason != "" {
		fmt.Fprintf(w, "dispute: %s\n", t.DisputeReason)
	}
	if t.ResolutionNotes != "" {
		fmt.Fprintf(w, "resolution: %s (%s)\n", t.Resolution, t.ResolutionNotes)
	}

	printEvidence(w, "Customer evidence", r.CustomerEvidence)
	printEvidence(w, "Merchant evidence", r.MerchantEvidence)

	fmt.Fprintln(w, "Timeline:")
	for _, a := range r.Timeline {
		fmt.Fprintf(w, "  %s  %-16s %s -> %s  %s  %s\n",
			a.CreatedAt.Local().Format("2006-01-02 15:04"), a.Action, a.From, a.To, a.Actor, a.Notes)
	}
}

func printEvidence(w io.Writer, title string, items []escrow.Evidence) {
	fmt.Fprintf(w, "%s (%d):\n", title, len(items))
	for _, ev := range items {
		fmt.Fprintf(w, "  %s  %s\n", ev.Name, ev.ObjectKey)
	}
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
