package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	Owner string
}

// SessionSummary describes one session for listings.
type SessionSummary struct {
	record.Session
	Attempts int     `json:"attempts"`
	Chunks   int     `json:"chunks"`
	Ready    int     `json:"ready"`
	Failed   int     `json:"failed"`
	Gaps     []int64 `json:"gaps,omitempty"`
}

type sessionList []SessionSummary

func (l sessionList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tCREATED\tCHUNKS\tREADY\tFAILED\tATTEMPTS")
	for _, s := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", s.ID, s.Status,
			record.FormatTime(s.CreatedAt), s.Chunks, s.Ready, s.Failed, s.Attempts)
	}
	return tw.Flush()
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List an owner's sessions",
		Long: `List every session owned by --owner with counts taken from its
reconciled chunk list.

Example:
  chunkledger sessions --owner 0xABC`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "session owner (required)")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runSessions(opts *SessionsOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessionsByOwner(cmd.Context(), opts.Owner)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to list sessions", err)
	}

	list := make(sessionList, 0, len(sessions))
	for _, sess := range sessions {
		log, err := st.ReadChunks(cmd.Context(), sess.ID)
		if err != nil {
			return out.Fail(ExitCommandError, "failed to read chunks", err)
		}
		list = append(list, summarize(sess, log))
	}
	return out.Success(list)
}

func summarize(sess record.Session, log []record.Chunk) SessionSummary {
	canonical := reconcile.Reconcile(log)
	s := SessionSummary{
		Session:  sess,
		Attempts: len(log),
		Chunks:   len(canonical),
		Gaps:     reconcile.Gaps(canonical),
	}
	for _, c := range canonical {
		switch c.Status {
		case record.ChunkReady:
			s.Ready++
		case record.ChunkError, record.ChunkUnavailable:
			s.Failed++
		}
	}
	return s
}
