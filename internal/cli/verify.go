package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/chunkledger/internal/record"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	ContentID string
	File      string
}

// verifyResult renders a report for text output.
type verifyResult struct {
	record.VerificationReport
	Verified bool `json:"verified"`
}

func (r verifyResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "content id:       %s\n", r.ContentID)
	fmt.Fprintf(w, "in content store: %s", r.ExistsInStore)
	if r.StoreError != "" {
		fmt.Fprintf(w, " (%s)", r.StoreError)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "on ledger:        %t", r.ExistsOnLedger)
	if r.LedgerError != "" {
		fmt.Fprintf(w, " (%s)", r.LedgerError)
	}
	fmt.Fprintln(w)
	if r.ExistsOnLedger && r.Owner != nil {
		fmt.Fprintf(w, "owner:            %s\n", *r.Owner)
		fmt.Fprintf(w, "transaction:      %s\n", r.TransactionHash)
		fmt.Fprintf(w, "token id:         %d\n", r.TokenID)
	}
	fmt.Fprintf(w, "checked at:       %s\n", record.FormatTime(r.CheckedAt))
	if r.Verified {
		_, err := fmt.Fprintln(w, "VERIFIED")
		return err
	}
	_, err := fmt.Fprintln(w, "NOT VERIFIED")
	return err
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that content is stored and owned",
		Long: `Check a content id, or a local file, against the content store and the ledger.

Both sources are queried concurrently. An unreachable content store is
reported as "unknown" rather than false. The command fails with exit code 1
when the content is not both stored and on the ledger.

Examples:
  chunkledger verify --cid sha256:9f86d0...
  chunkledger verify --file recording-0003.webm --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ContentID, "cid", "", "content id to verify")
	cmd.Flags().StringVar(&opts.File, "file", "", "file whose bytes to hash and verify")
	cmd.MarkFlagsMutuallyExclusive("cid", "file")
	cmd.MarkFlagsOneRequired("cid", "file")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	var report record.VerificationReport
	if opts.File != "" {
		data, rerr := os.ReadFile(opts.File)
		if rerr != nil {
			return out.Fail(ExitCommandError, "failed to read file", rerr)
		}
		report, err = a.verifier.VerifyByFile(cmd.Context(), data)
	} else {
		report, err = a.verifier.VerifyByContentID(cmd.Context(), opts.ContentID)
	}
	if err != nil {
		return out.Fail(ExitFailure, "verification failed", err)
	}

	result := verifyResult{VerificationReport: report, Verified: report.Verified()}
	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Verified {
		return &ExitError{Code: ExitFailure, Message: "content not verified", reported: true}
	}
	return nil
}
