package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	SessionID string
	LogFile   string
}

// ReconcileResult is the canonical view of one chunk log.
type ReconcileResult struct {
	SessionID string         `json:"session_id,omitempty"`
	Attempts  int            `json:"attempts"`
	Canonical []record.Chunk `json:"canonical"`
	Gaps      []int64        `json:"gaps"`
}

func (r ReconcileResult) WriteText(w io.Writer) error {
	if r.SessionID != "" {
		fmt.Fprintf(w, "session %s: %d attempts, %d chunks\n", r.SessionID, r.Attempts, len(r.Canonical))
	} else {
		fmt.Fprintf(w, "%d attempts, %d chunks\n", r.Attempts, len(r.Canonical))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTATUS\tCLIENT TIME\tATTEMPT\tCONTENT")
	for _, c := range r.Canonical {
		content := c.ContentID
		if content == "" {
			content = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.SequenceNumber, c.Status,
			record.FormatTime(c.ClientTimestamp), c.AttemptID, content)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Gaps) > 0 {
		fmt.Fprintf(w, "missing sequence numbers: %v\n", r.Gaps)
	}
	return nil
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Show the canonical chunk order of a session",
		Long: `Collapse a session's chunk log, retries and duplicates included, into
one chunk per sequence number.

For each sequence number the attempt with the latest client timestamp wins;
ties go to the smallest content id, then the smallest attempt id.

The log is read from the database with --session, or from a JSON array of
chunk records with --log.

Examples:
  chunkledger reconcile --session 0192f0c4-...
  chunkledger reconcile --log chunks.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id to read from the database")
	cmd.Flags().StringVar(&opts.LogFile, "log", "", "JSON file holding a chunk log")
	cmd.MarkFlagsMutuallyExclusive("session", "log")
	cmd.MarkFlagsOneRequired("session", "log")

	return cmd
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var (
		log []record.Chunk
		err error
	)
	if opts.LogFile != "" {
		log, err = readChunkLog(opts.LogFile)
		if err != nil {
			return out.Fail(ExitCommandError, "failed to read chunk log", err)
		}
	} else {
		cfg, cerr := opts.loadConfig(cmd)
		if cerr != nil {
			return cerr
		}
		st, serr := openStore(cfg)
		if serr != nil {
			return serr
		}
		defer st.Close()

		if _, err = st.ReadSession(cmd.Context(), opts.SessionID); err != nil {
			return out.Fail(ExitCommandError, "failed to read session", err)
		}
		log, err = st.ReadChunks(cmd.Context(), opts.SessionID)
		if err != nil {
			return out.Fail(ExitCommandError, "failed to read chunks", err)
		}
	}

	canonical := reconcile.Reconcile(log)
	gaps := reconcile.Gaps(canonical)
	if gaps == nil {
		gaps = []int64{}
	}
	return out.Success(ReconcileResult{
		SessionID: opts.SessionID,
		Attempts:  len(log),
		Canonical: canonical,
		Gaps:      gaps,
	})
}

func readChunkLog(path string) ([]record.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var log []record.Chunk
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return log, nil
}
