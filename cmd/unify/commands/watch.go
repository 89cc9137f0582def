package commands

import (
	"fmt"

	"github.com/openunify/openunify/pkg/definitions"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [paths...]",
		Short: "Import bundles and re-import them on change",
		Long: `Imports the given bundle paths (or definitions.paths from the config file)
and keeps watching them. Every change triggers a re-import, which invalidates
the cached records it replaces. The metrics endpoint is served while watching
when telemetry.metricsAddress is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, false)
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

			if result, err := importBundles(cmd, a, paths); err != nil {
				log.Warn().Err(err).Msg("Initial import incomplete")
			} else {
				log.Info().Int("imported", result.Imported).Int("skipped", result.Skipped).Msg("Initial import finished")
			}

			if err := a.tel.StartMetricsServer(ctx); err != nil {
				return err
			}

			watcher := definitions.NewWatcher(a.repo, paths, a.tel.Logger)
			watcher.OnReload = func(result *definitions.ImportResult, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("Reload incomplete")
					return
				}
				log.Info().Int("imported", result.Imported).Int("skipped", result.Skipped).Msg("Definitions reloaded")
			}
			if err := watcher.Watch(ctx); err != nil {
				return err
			}

			log.Info().Strs("paths", paths).Msg("Watching for changes")
			<-ctx.Done()
			return nil
		},
	}
}
