package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/store"
)

// ProviderInfo describes one entry of the provider table.
type ProviderInfo struct {
	DID      string `json:"did"`
	Endpoint string `json:"endpoint"`
	Weight   int    `json:"weight"`
	Proof    bool   `json:"proof"`
}

func providerInfo(p store.ProviderRecord) ProviderInfo {
	return ProviderInfo{DID: p.DID.String(), Endpoint: p.Endpoint, Weight: p.Weight, Proof: len(p.Proof) > 0}
}

// Text prints the provider on one line.
func (p ProviderInfo) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s %s weight=%d proof=%t\n", p.DID, p.Endpoint, p.Weight, p.Proof)
	return err
}

// ProviderList is the provider table.
type ProviderList struct {
	Providers []ProviderInfo `json:"providers"`
}

// Text prints one provider per row.
func (l ProviderList) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DID\tENDPOINT\tWEIGHT\tPROOF")
	for _, p := range l.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", p.DID, p.Endpoint, p.Weight, p.Proof)
	}
	return tw.Flush()
}

// NewProviderCommand creates the provider command group.
func NewProviderCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage the storage provider table",
		Long: `Add or list the storage providers the router selects from.

Providers with weight 0 are reachable but never chosen for new
allocations or replicas.

Examples:
  blobcore provider add --db service.db --did did:key:z6Mk... --endpoint https://node1.example.com --proof node1.car --weight 100
  blobcore provider list --config service.yaml`,
	}
	cmd.AddCommand(newProviderAddCommand(rootOpts))
	cmd.AddCommand(newProviderListCommand(rootOpts))
	return cmd
}

func newProviderAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	var rec struct {
		did      string
		endpoint string
		proof    string
		weight   int
	}

	cmd := &cobra.Command{
		Use:           "add",
		Short:         "Add or replace a provider",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			did, err := principal.Parse(rec.did)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("invalid --did: %w", err))
			}
			if rec.endpoint == "" {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("--endpoint is required"))
			}
			if rec.weight < 0 {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("--weight must be non-negative, got %d", rec.weight))
			}
			p := store.ProviderRecord{DID: did, Endpoint: rec.endpoint, Weight: rec.weight}
			if rec.proof != "" {
				proof, err := readProof(rec.proof)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeInvalidArg, err)
				}
				p.Proof = proof
			}

			st, err := opts.open(true)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()
			if err := st.PutProvider(cmd.Context(), p); err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			f.VerboseLog("Stored provider %s", did)
			return f.Success(providerInfo(p))
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&rec.did, "did", "", "provider DID")
	cmd.Flags().StringVar(&rec.endpoint, "endpoint", "", "provider URL")
	cmd.Flags().StringVar(&rec.proof, "proof", "", "path to a delegation archive authorizing the service")
	cmd.Flags().IntVar(&rec.weight, "weight", 100, "selection weight")
	_ = cmd.MarkFlagRequired("did")
	return cmd
}

func newProviderListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List providers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			providers, err := st.Providers(cmd.Context())
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			list := ProviderList{Providers: make([]ProviderInfo, 0, len(providers))}
			for _, p := range providers {
				list.Providers = append(list.Providers, providerInfo(p))
			}
			return f.Success(list)
		},
	}
	opts.addFlags(cmd)
	return cmd
}
