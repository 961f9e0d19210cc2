package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/store"
)

// StoreOptions is shared by the commands that work on a daemon's
// database directly.
type StoreOptions struct {
	*RootOptions
	Database string
}

func (o *StoreOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (defaults to database from --config)")
}

// path resolves --db, falling back to the configured database.
func (o *StoreOptions) path() (string, error) {
	if o.Database != "" {
		return o.Database, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Database, nil
}

// open opens the database. Unless create is set the file must already
// exist, so a mistyped path is reported instead of creating an empty
// database.
func (o *StoreOptions) open(create bool) (*store.Store, error) {
	path, err := o.path()
	if err != nil {
		return nil, err
	}
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("database not found: %s", path)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return st, nil
}
