package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/engine"
)

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the remote store",
		Long: `Run one sync cycle: verify the transaction chain, replay pending sales
and entity mutations to the remote store, then sweep synced entries older
than the retention period.

Exits 1 when any entry failed to sync; failed entries stay queued for the
next cycle.

Example:
  possync sync --config possync.cue
  possync sync --db ./pos.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts)
		},
	}
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), remoteRequired)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine().Sync(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	out := newFormatter(cmd, opts)
	if err := out.Render(res, func(w io.Writer) { printResult(w, res) }); err != nil {
		return err
	}
	if !res.OK() || len(res.Corrupted) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("sync finished with %d failed entries and %d corrupted", res.Failed(), len(res.Corrupted)))
	}
	return nil
}

func printResult(w io.Writer, res engine.Result) {
	fmt.Fprintf(w, "Transactions: %d synced, %d failed\n", res.TransactionsSynced, res.TransactionsFailed)
	fmt.Fprintf(w, "Mutations:    %d synced, %d discarded, %d failed\n", res.MutationsSynced, res.MutationsDiscarded, res.MutationsFailed)
	if len(res.Corrupted) > 0 {
		fmt.Fprintf(w, "Corrupted:    %s\n", strings.Join(res.Corrupted, ", "))
	}
	if res.Truncated {
		fmt.Fprintln(w, "Truncated:    newest transactions are missing")
	}
	fmt.Fprintf(w, "Purged:       %d\n", res.Purged)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and the last sync result",
		Long: `Show pending transaction and mutation counts and the outcome of the last
sync cycle. Reads the local database only.

Example:
  possync status --db ./pos.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

// statusView is the status command's output.
type statusView struct {
	InstallID string `json:"install_id"`
	engine.Status
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), remoteNone)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine().Status(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}
	view := statusView{InstallID: a.installID, Status: st}

	return newFormatter(cmd, opts).Render(view, func(w io.Writer) {
		fmt.Fprintf(w, "Install ID:           %s\n", view.InstallID)
		fmt.Fprintf(w, "Pending transactions: %d\n", st.PendingTransactions)
		fmt.Fprintf(w, "Pending mutations:    %d\n", st.PendingMutations)
		if st.LastResult == nil {
			fmt.Fprintln(w, "Last sync:            never")
			return
		}
		r := st.LastResult
		outcome := "ok"
		if !r.OK() {
			outcome = fmt.Sprintf("%d errors", len(r.Errors))
		}
		fmt.Fprintf(w, "Last sync:            %s (%s, %d synced, %d failed)\n",
			r.At.Format(time.RFC3339), outcome, r.Synced(), r.Failed())
	})
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the transaction ledger's hash chain",
		Long: `Walk the local transaction ledger and recompute every hash link.
Reports entries whose content or link no longer matches, and whether the
newest entries were removed. Exits 1 when the chain is broken.

Example:
  possync verify --db ./pos.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootOpts)
		},
	}
}

// verifyView is the verify command's output.
type verifyView struct {
	Intact    bool     `json:"intact"`
	Corrupted []string `json:"corrupted,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

func runVerify(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), remoteNone)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.ledger.Verify(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	a.metrics.RecordCorrupted(len(report.Corrupted))

	view := verifyView{
		Intact:    len(report.Corrupted) == 0 && !report.Truncated,
		Corrupted: report.Corrupted,
		Truncated: report.Truncated,
	}
	out := newFormatter(cmd, opts)
	if view.Intact {
		return out.Render(view, func(w io.Writer) { fmt.Fprintln(w, "Ledger intact") })
	}

	if err := out.Error(ErrCodeIntegrity, "transaction chain broken", view); err != nil {
		return err
	}
	if opts.Format != "json" {
		for _, id := range view.Corrupted {
			fmt.Fprintf(cmd.OutOrStdout(), "  corrupted: %s\n", id)
		}
		if view.Truncated {
			fmt.Fprintln(cmd.OutOrStdout(), "  truncated: newest transactions are missing")
		}
	}
	return NewExitError(ExitFailure, "transaction chain broken")
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Days int
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced entries older than the retention period",
		Long: `Delete synced transactions and mutations older than --days (default: the
configured retention period). Pending entries are never deleted.

Example:
  possync purge --days 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "retention in days (0 uses the configured value)")

	return cmd
}

// purgeView is the purge command's output.
type purgeView struct {
	Days         int   `json:"days"`
	Transactions int64 `json:"transactions"`
	Mutations    int64 `json:"mutations"`
}

func runPurge(cmd *cobra.Command, opts *PurgeOptions) error {
	if opts.Days < 0 {
		return NewExitError(ExitCommandError, "--days must not be negative")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), remoteNone)
	if err != nil {
		return err
	}
	defer a.Close()

	days := opts.Days
	if days == 0 {
		days = a.cfg.RetentionDays
	}

	view := purgeView{Days: days}
	if view.Transactions, err = a.ledger.PurgeOlderThan(ctx, days); err != nil {
		return WrapExitError(ExitCommandError, "failed to purge transactions", err)
	}
	if view.Mutations, err = a.mutations.PurgeOlderThan(ctx, days); err != nil {
		return WrapExitError(ExitCommandError, "failed to purge mutations", err)
	}

	return newFormatter(cmd, opts.RootOptions).Render(view, func(w io.Writer) {
		fmt.Fprintf(w, "Purged %d transactions and %d mutations older than %d days\n",
			view.Transactions, view.Mutations, days)
	})
}
