package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/principal"
)

// KeyResult is a freshly generated identity.
type KeyResult struct {
	DID    string `json:"did"`
	DIDKey string `json:"did_key"`
	Key    string `json:"key"`
}

// Text prints the key in the form identity.key expects, preceded by a
// comment naming its DIDs.
func (r KeyResult) Text(w io.Writer) error {
	if r.DID != r.DIDKey {
		if _, err := fmt.Fprintf(w, "# %s (%s)\n", r.DID, r.DIDKey); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintf(w, "# %s\n", r.DID); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, r.Key)
	return err
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var web string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Long: `Generate an ed25519 signing key for identity.key.

With --did the key is printed alongside the did:web it will sign for;
set identity.did to the same value.

Examples:
  blobcore keygen
  blobcore keygen --did did:web:upload.example.com --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			var opts []principal.SignerOption
			if web != "" {
				did, err := principal.Parse(web)
				if err != nil || !did.IsWeb() {
					return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("--did must be a did:web, got %q", web))
				}
				opts = append(opts, principal.WithDID(did))
			}
			signer, err := principal.Generate(opts...)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeGeneric, err)
			}
			return f.Success(KeyResult{
				DID:    signer.DID().String(),
				DIDKey: signer.DIDKey().String(),
				Key:    signer.Format(),
			})
		},
	}
	cmd.Flags().StringVar(&web, "did", "", "did:web the key signs for")

	return cmd
}
