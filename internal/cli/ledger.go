package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/record"
)

// LedgerOptions holds flags shared by the ledger subcommands.
type LedgerOptions struct {
	*RootOptions
	Owner string
}

type auditResult ledger.AuditReport

func (r auditResult) WriteText(w io.Writer) error {
	if ledger.AuditReport(r).Intact() {
		_, err := fmt.Fprintf(w, "ledger intact: %d entries, head %s\n", r.Entries, r.Head)
		return err
	}
	_, err := fmt.Fprintf(w, "ledger BROKEN at height %d of %d: %s\n", r.BrokenAt, r.Entries, r.Reason)
	return err
}

type ownershipResult ledger.Ownership

func (o ownershipResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "content id:   %s\n", o.ContentID)
	fmt.Fprintf(w, "owner:        %s\n", o.Owner)
	fmt.Fprintf(w, "transaction:  %s\n", o.TxHash)
	fmt.Fprintf(w, "height:       %d\n", o.Height)
	fmt.Fprintf(w, "committed at: %s\n", record.FormatTime(o.CommittedAt))
	keys := make([]string, 0, len(o.Metadata))
	for k := range o.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, o.Metadata[k])
	}
	return nil
}

type ownershipList []ledger.Ownership

func (l ownershipList) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HEIGHT\tCONTENT\tTRANSACTION\tCOMMITTED")
	for _, o := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", o.Height, o.ContentID, o.TxHash, record.FormatTime(o.CommittedAt))
	}
	return tw.Flush()
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the ownership ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "audit",
		Short: "Re-verify every entry of the hash chain",
		Long: `Recompute each ledger entry hash and check every link to its
predecessor. Exits with code 1 if the chain is broken.

Example:
  chunkledger ledger audit`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerAudit(opts, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "owner <content-id>",
		Short: "Show who owns a content id",
		Example: `  chunkledger ledger owner sha256:9f86d0...
  chunkledger ledger owner sha256:9f86d0... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerOwner(opts, cmd, args[0])
		},
	})

	list := &cobra.Command{
		Use:           "list",
		Short:         "List ledger entries for an owner",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Owner, "owner", "", "owner (required)")
	_ = list.MarkFlagRequired("owner")
	cmd.AddCommand(list)

	return cmd
}

func (o *LedgerOptions) open(cmd *cobra.Command) (*ledger.SQL, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openLedger(cfg, slog.Default())
}

func runLedgerAudit(opts *LedgerOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	l, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	report, err := l.Audit(cmd.Context())
	if err != nil {
		return out.Fail(ExitCommandError, "audit failed", err)
	}
	if err := out.Success(auditResult(report)); err != nil {
		return err
	}
	if !report.Intact() {
		return &ExitError{Code: ExitFailure, Message: "ledger chain broken", reported: true}
	}
	return nil
}

func runLedgerOwner(opts *LedgerOptions, cmd *cobra.Command, contentID string) error {
	out := opts.formatter(cmd)
	l, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	o, err := l.Query(cmd.Context(), contentID)
	if err != nil {
		return out.Fail(ExitFailure, "lookup failed", err)
	}
	return out.Success(ownershipResult(o))
}

func runLedgerList(opts *LedgerOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	l, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	entries, err := l.ListByOwner(cmd.Context(), opts.Owner)
	if err != nil {
		return out.Fail(ExitCommandError, "listing failed", err)
	}
	return out.Success(ownershipList(entries))
}
