package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/ucan"
)

// RevokeResult confirms a revocation.
type RevokeResult struct {
	Delegation string `json:"delegation"`
	Reason     string `json:"reason,omitempty"`
}

func (r RevokeResult) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "revoked %s\n", r.Delegation)
	return err
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <delegation>",
		Short: "Revoke a delegation",
		Long: `Record a delegation as revoked. Invocations whose proof chain includes
it are rejected from then on. Revoking twice is harmless.

Examples:
  blobcore revoke bafyrei... --db service.db --reason "key rotated"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			link, err := ucan.ParseLink(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("invalid delegation %q: %w", args[0], err))
			}
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			if err := st.Revoke(cmd.Context(), link, reason); err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			return f.Success(RevokeResult{Delegation: link.String(), Reason: reason})
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the revocation")
	return cmd
}
