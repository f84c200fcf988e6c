package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/runner"
)

func newCleanupCmd() (*cobra.Command, error) {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove duplicate messages and empty folders from the archive",
		Long: `Remove duplicate message directories from the archive. When the same
message is stored more than once, the most recently modified copy is kept.
Folders left empty are removed as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return withLogger(cfg, func(logger *slog.Logger) error {
				r := runner.New(cmd.Context(), logger)
				r.AddStage("cleanup", cleanupStage(cmd, cfg, logger))
				return r.Start()
			})
		},
	}, nil
}
