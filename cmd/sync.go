package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/config"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/id/uuid"
)

// ErrAllSourcesFailed is returned by sync when no source completed.
var ErrAllSourcesFailed = errors.New("every source failed")

type syncFlags struct {
	from         string
	to           string
	sources      []string
	forceRefresh bool
}

func newSyncCmd() *cobra.Command {
	var flags syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Syncs the enabled sources over a date range",
		Long: `Runs every enabled source over [--from, --to], one calendar day at a time,
and prints how many artifacts each source produced. Both bounds default to
sync.from and sync.to from the config, and to today when unset.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.from, "from", "", "first day to sync (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.to, "to", "", "last day to sync (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&flags.sources, "source", nil, "source to sync (repeatable); defaults to sources.enabled")
	cmd.Flags().BoolVar(&flags.forceRefresh, "force-refresh", false, "re-download artifacts already stored")
	return cmd
}

func runSync(cmd *cobra.Command, flags syncFlags) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.Config()

	syncCfg := cfg.Sync
	if flags.from != "" {
		syncCfg.From = flags.from
	}
	if flags.to != "" {
		syncCfg.To = flags.to
	}
	from, to, err := syncCfg.Range(system.New().Today())
	if err != nil {
		return err
	}
	sources := flags.sources
	if len(sources) == 0 {
		sources = cfg.Sources.Enabled
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	params := crawler.RunParameters{
		From:         from,
		To:           to,
		Sources:      sources,
		ForceRefresh: syncCfg.ForceRefresh || flags.forceRefresh,
	}
	if err := a.Runs().CreateRun(ctx, crawler.Run{
		ID:         runID,
		Status:     crawler.RunStatusQueued,
		Submitted:  time.Now().UTC(),
		Parameters: params,
	}); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	a.Logger().Info("sync started",
		zap.String("run_id", runID),
		zap.String("from", from.Format(config.DateLayout)),
		zap.String("to", to.Format(config.DateLayout)),
		zap.Strings("sources", sources))

	if err := a.Dispatcher().Execute(ctx, crawler.QueueItem{RunID: runID, Params: params}); err != nil {
		return err
	}
	return report(cmd, a.Runs(), runID)
}

func report(cmd *cobra.Command, runs crawler.RunStore, runID string) error {
	ctx := cmd.Context()
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	artifacts, err := runs.ListArtifacts(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run artifacts: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, name := range crawler.SortedKeys(artifacts) {
		fmt.Fprintf(out, "%-24s %6d\n", name, len(artifacts[name]))
	}
	fmt.Fprintf(out, "%-24s %6d (%s)\n", "total", run.Counters.Artifacts, run.Status)

	switch run.Status {
	case crawler.RunStatusFailed:
		return fmt.Errorf("run %s: %w", runID, ErrAllSourcesFailed)
	case crawler.RunStatusCanceled:
		return fmt.Errorf("run %s canceled: %s", runID, run.ErrorText)
	}
	return nil
}
