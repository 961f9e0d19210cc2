package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// ValidationResult holds the outcome of checking a configuration file.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	DID    string   `json:"did,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Text prints one problem per line.
func (r ValidationResult) Text(w io.Writer) error {
	if r.Valid {
		_, err := fmt.Fprintf(w, "configuration is valid (%s)\n", r.DID)
		return err
	}
	fmt.Fprintf(w, "configuration has %d problem(s):\n", len(r.Errors))
	for _, e := range r.Errors {
		if _, err := fmt.Fprintf(w, "  - %s\n", e); err != nil {
			return err
		}
	}
	return nil
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Check the file named by --config against the configuration schema
without starting anything. Every problem is reported, not just the first.

Examples:
  blobcore validate --config service.yaml
  blobcore validate --config node.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.Config == "" {
		return f.Fail(ExitCommandError, ErrCodeInvalidArg, errors.New("--config is required"))
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidConfig, err)
	}
	f.VerboseLog("Loaded %s", opts.Config)

	result := ValidationResult{Valid: true}
	if err := cfg.Validate(); err != nil {
		result.Valid = false
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				result.Errors = append(result.Errors, e.Error())
			}
		} else {
			result.Errors = []string{err.Error()}
		}
	} else {
		signer, err := cfg.Signer()
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeInvalidConfig, err)
		}
		result.DID = signer.DID().String()
	}

	if err := f.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "invalid configuration")
	}
	return nil
}
