package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/cleanup"
	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/filter"
	"github.com/dhcgn/mail-archive/imap"
	"github.com/dhcgn/mail-archive/mbox"
	"github.com/dhcgn/mail-archive/progress"
	"github.com/dhcgn/mail-archive/remote"
	"github.com/dhcgn/mail-archive/runner"
	"github.com/dhcgn/mail-archive/syncer"
)

func newSyncCmd() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "sync",
		Short: "Download new messages into the archive",
		Long: `Download messages from an IMAP account (or mbox files) into the archive.

Modes:
  full         compare every remote message with the whole archive
  incremental  only messages received since the last successful sync
  year         messages received since 1 January of --year`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
	if err := config.RegisterSyncFlags(c); err != nil {
		return nil, err
	}
	c.Flags().Bool("cleanup", false, "Remove duplicate messages and empty folders after syncing")
	return c, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadSyncConfig(cmd, keyringPassword)
	if err != nil {
		return err
	}
	withCleanup, err := cmd.Flags().GetBool("cleanup")
	if err != nil {
		return err
	}

	return withLogger(cfg, func(logger *slog.Logger) error {
		dialer, source, err := newDialer(cfg, logger)
		if err != nil {
			return err
		}
		flt, err := filter.New(filter.Options{
			IncludeFolder: cfg.IncludeFolder,
			ExcludeFolder: cfg.ExcludeFolder,
			IncludeHeader: cfg.IncludeHeader,
			IncludeBody:   cfg.IncludeBody,
			ExcludeHeader: cfg.ExcludeHeader,
			ExcludeBody:   cfg.ExcludeBody,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		reporter := progress.New("Syncing", cfg.LogLevel, logger)
		bar, _ := reporter.(*progress.Bar)
		opts := syncer.Options{
			ArchiveDir: cfg.ArchiveDir,
			Mode:       cfg.Mode,
			Year:       cfg.Year,
			Timeout:    cfg.Timeout,
			Filter:     flt,
			Progress:   reporter,
		}
		if bar != nil {
			opts.Observer = bar.Observe
		}
		engine, err := syncer.New(opts, dialer, logger)
		if err != nil {
			return err
		}

		logger.Info("starting mail-archive sync", "source", source, "archive", cfg.ArchiveDir, "mode", cfg.Mode.String())

		r := runner.New(cmd.Context(), logger)
		r.AddStage("sync", func(ctx context.Context, logger *slog.Logger) error {
			summary, err := engine.Run(ctx)
			if bar != nil {
				bar.PrintSummary(summary)
			}
			logger.Info("sync finished", summary.LogAttrs()...)
			return err
		})
		if withCleanup {
			r.AddStage("cleanup", cleanupStage(cmd, cfg, logger))
		}
		return r.Start()
	})
}

// newDialer selects the mbox source when --mbox is set and IMAP otherwise.
// The second result describes the source for logging.
func newDialer(cfg config.Config, logger *slog.Logger) (remote.Dialer, string, error) {
	if cfg.MboxPath != "" {
		d, err := mbox.NewDialer(mbox.Options{Path: cfg.MboxPath}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("mbox.NewDialer: %w", err)
		}
		return d, "mbox:" + cfg.MboxPath, nil
	}

	d, err := imap.NewDialer(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		DialTimeout:        cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, "", fmt.Errorf("imap.NewDialer: %w", err)
	}
	return d, "imap:" + cfg.IMAPUser + "@" + cfg.IMAPHost, nil
}

func cleanupStage(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) runner.StageFunc {
	return func(ctx context.Context, _ *slog.Logger) error {
		m := cleanup.New(cleanup.Options{
			ArchiveDir: cfg.ArchiveDir,
			Progress:   progress.New("Cleaning up", cfg.LogLevel, logger),
		}, logger)
		res, err := m.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.String())
		return nil
	}
}
