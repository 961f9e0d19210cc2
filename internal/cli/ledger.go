package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/ucan"
)

// EventList is a page of ledger events.
type EventList struct {
	Events []store.Event `json:"events"`
	// Next is the cursor for the following page, zero when the ledger
	// has no more events.
	Next int64 `json:"next,omitempty"`
}

// Text prints one event per row.
func (l EventList) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tCAN\tISSUER\tTASK")
	for _, ev := range l.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Type, ev.Can, ev.Issuer, ev.Task)
	}
	if l.Next != 0 {
		fmt.Fprintf(tw, "\nmore events after %d\n", l.Next)
	}
	return tw.Flush()
}

// TaskRecord is what the ledger holds for one task.
type TaskRecord struct {
	Task     string   `json:"task"`
	Issuer   string   `json:"issuer,omitempty"`
	Audience string   `json:"audience,omitempty"`
	Can      string   `json:"can,omitempty"`
	With     string   `json:"with,omitempty"`
	Outcome  string   `json:"outcome"`
	Error    string   `json:"error,omitempty"`
	Receipt  string   `json:"receipt,omitempty"`
	Forks    []string `json:"forks,omitempty"`
}

// Text prints the record as key/value lines.
func (r TaskRecord) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "task\t%s\n", r.Task)
	if r.Can != "" {
		fmt.Fprintf(tw, "can\t%s\n", r.Can)
		fmt.Fprintf(tw, "with\t%s\n", r.With)
		fmt.Fprintf(tw, "issuer\t%s\n", r.Issuer)
		fmt.Fprintf(tw, "audience\t%s\n", r.Audience)
	}
	fmt.Fprintf(tw, "outcome\t%s\n", r.Outcome)
	if r.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", r.Error)
	}
	if r.Receipt != "" {
		fmt.Fprintf(tw, "receipt\t%s\n", r.Receipt)
	}
	for _, f := range r.Forks {
		fmt.Fprintf(tw, "fork\t%s\n", f)
	}
	return tw.Flush()
}

// Outcomes reported by ledger show besides failure names.
const (
	outcomeOk      = "ok"
	outcomePending = "pending"
)

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the invocation ledger",
		Long: `Read the messages, invocations and receipts a daemon has recorded.

Examples:
  blobcore ledger events --db service.db --after 120
  blobcore ledger show bafyrei... --config service.yaml`,
	}
	cmd.AddCommand(newLedgerEventsCommand(rootOpts))
	cmd.AddCommand(newLedgerShowCommand(rootOpts))
	return cmd
}

func newLedgerEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	var after int64
	var limit int

	cmd := &cobra.Command{
		Use:           "events",
		Short:         "List ledger events in order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if limit <= 0 {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("--limit must be positive, got %d", limit))
			}
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			events, err := st.Events(cmd.Context(), after, limit)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			list := EventList{Events: events}
			if list.Events == nil {
				list.Events = []store.Event{}
			}
			if len(events) == limit {
				list.Next = events[len(events)-1].Seq
			}
			return f.Success(list)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a sequence number greater than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}

func newLedgerShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "show <task>",
		Short:         "Show the invocation and receipt for a task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			task, err := ucan.ParseLink(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("invalid task %q: %w", args[0], err))
			}
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			record, err := showTask(cmd, st, task)
			if errors.Is(err, store.ErrRecordNotFound) {
				return f.Fail(ExitFailure, ErrCodeNotFound, err)
			}
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			return f.Success(record)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

// showTask collects the ledger's view of task. A receipt without a
// recorded invocation still counts, since concluded receipts may arrive
// before, or without, the invocation they answer.
func showTask(cmd *cobra.Command, st *store.Store, task ucan.Link) (TaskRecord, error) {
	ctx := cmd.Context()
	record := TaskRecord{Task: task.String(), Outcome: outcomePending}

	inv, err := st.GetInvocation(ctx, task)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return TaskRecord{}, err
	}
	rcpt, rerr := st.GetReceipt(ctx, task)
	if rerr != nil && !errors.Is(rerr, store.ErrRecordNotFound) {
		return TaskRecord{}, rerr
	}
	if inv == nil && rcpt == nil {
		return TaskRecord{}, err
	}

	if inv == nil && rcpt != nil {
		inv, _ = rcpt.Task()
	}
	if inv != nil {
		c := inv.Capability()
		record.Can = c.Can
		record.With = c.With
		record.Issuer = inv.Issuer().String()
		record.Audience = inv.Audience().String()
	}
	if rcpt != nil {
		record.Receipt = rcpt.Link().String()
		if rcpt.IsOk() {
			record.Outcome = outcomeOk
		} else {
			failure := rcpt.Out().Error
			record.Outcome = failure.Name
			record.Error = failure.Message
		}
		for _, l := range rcpt.Fork() {
			record.Forks = append(record.Forks, l.String())
		}
	}
	return record, nil
}
