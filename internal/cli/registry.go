package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/multiformats/go-multihash"
	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// EntryInfo is one registered blob.
type EntryInfo struct {
	Digest     string    `json:"digest"`
	Size       uint64    `json:"size"`
	Cause      string    `json:"cause"`
	InsertedAt time.Time `json:"inserted_at"`
}

// EntryList is a space's registry.
type EntryList struct {
	Space   string      `json:"space"`
	Entries []EntryInfo `json:"entries"`
}

func (l EntryList) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIGEST\tSIZE\tINSERTED\tCAUSE")
	for _, e := range l.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Digest, e.Size, e.InsertedAt.UTC().Format(time.RFC3339), e.Cause)
	}
	return tw.Flush()
}

// ReplicaInfo is one replica row.
type ReplicaInfo struct {
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Cause     string    `json:"cause"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReplicaList holds the replicas of one blob in one space.
type ReplicaList struct {
	Space    string        `json:"space"`
	Digest   string        `json:"digest"`
	Replicas []ReplicaInfo `json:"replicas"`
}

func (l ReplicaList) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tUPDATED\tCAUSE")
	for _, r := range l.Replicas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Provider, r.Status, r.UpdatedAt.UTC().Format(time.RFC3339), r.Cause)
	}
	return tw.Flush()
}

func linkString(l ucan.Link) string {
	if l.IsZero() {
		return ""
	}
	return l.String()
}

func parseSpace(s string) (principal.DID, error) {
	if s == "" {
		return "", errors.New("--space is required")
	}
	did, err := principal.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid --space: %w", err)
	}
	return did, nil
}

// NewRegistryCommand creates the registry command.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	var space string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "List the blobs registered in a space",
		Long: `List the blobs accepted into a space, oldest first. Digests are base58
multihashes, the form used in blob URLs.

Examples:
  blobcore registry --db service.db --space did:key:z6Mk...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			did, err := parseSpace(space)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, err)
			}
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			entries, err := st.Entries(cmd.Context(), did)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			list := EntryList{Space: did.String(), Entries: make([]EntryInfo, 0, len(entries))}
			for _, e := range entries {
				list.Entries = append(list.Entries, EntryInfo{
					Digest:     e.Digest.B58String(),
					Size:       e.Size,
					Cause:      linkString(e.Cause),
					InsertedAt: e.InsertedAt,
				})
			}
			return f.Success(list)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&space, "space", "", "space DID")
	return cmd
}

// NewReplicasCommand creates the replicas command.
func NewReplicasCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	var space, digest string

	cmd := &cobra.Command{
		Use:   "replicas",
		Short: "List the replicas of a blob",
		Long: `List the providers holding, or allocated to hold, a replica of a blob.

Examples:
  blobcore replicas --db service.db --space did:key:z6Mk... --digest QmXoyp...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			did, err := parseSpace(space)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, err)
			}
			mh, err := multihash.FromB58String(digest)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidArg, fmt.Errorf("invalid --digest: %w", err))
			}
			st, err := opts.open(false)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			defer st.Close()

			replicas, err := st.ListReplicas(cmd.Context(), did, mh)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStorage, err)
			}
			list := ReplicaList{Space: did.String(), Digest: mh.B58String(), Replicas: make([]ReplicaInfo, 0, len(replicas))}
			for _, r := range replicas {
				list.Replicas = append(list.Replicas, ReplicaInfo{
					Provider:  r.Provider.String(),
					Status:    string(r.Status),
					Cause:     linkString(r.Cause),
					UpdatedAt: r.UpdatedAt,
				})
			}
			return f.Success(list)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&space, "space", "", "space DID")
	cmd.Flags().StringVar(&digest, "digest", "", "base58 multihash of the blob")
	return cmd
}
