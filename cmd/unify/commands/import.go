package commands

import (
	"fmt"

	"github.com/openunify/openunify/pkg/definitions"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [paths...]",
		Short: "Import definition bundles",
		Long: `Imports connection definitions, model definitions, OAuth definitions and
common models from bundle files or directories. Without arguments the paths
from definitions.paths in the config file are used.

Records older than the stored version are skipped. Every record passes the
admission policies before it is written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			paths := args
			if len(paths) == 0 {
				paths = a.cfg.Definitions.Paths
			}
			if len(paths) == 0 {
				return fmt.Errorf("no bundle paths given")
			}

			result, err := importBundles(cmd, a, paths)
			if result == nil {
				return err
			}
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records, skipped %d\n", result.Imported, result.Skipped)
			}
			return err
		},
	}
}

// importBundles loads paths and imports them into the repository. The result
// is non-nil whenever the bundles could be read, even if some records failed.
func importBundles(cmd *cobra.Command, a *app, paths []string) (*definitions.ImportResult, error) {
	bundle, err := definitions.LoadBundles(paths)
	if err != nil {
		return nil, err
	}
	log.Info().Int("records", bundle.Len()).Strs("paths", paths).Msg("Importing bundles")
	return a.repo.Import(cmd.Context(), bundle)
}
