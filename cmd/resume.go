package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/lempicka/lempicka-sync/pkg/config"
	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/synccontrol"
	"github.com/lempicka/lempicka-sync/pkg/syncrunner"
)

// RunResume implements the "resume" subcommand: pick up an interrupted run
// from its journal and finish whatever plan items remain.
func RunResume(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	journalPath := fs.String("journal", "", "recovery journal path")
	configDir := fs.String("config-dir", "", "directory holding lempicka-sync.config.json")
	continueOnError := fs.Bool("continue-on-error", false, "collect failures and keep going instead of stopping at the first one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *journalPath == "" {
		return fmt.Errorf("-journal is required")
	}

	cfg := config.NewDefault()
	if *configDir != "" {
		loaded, err := config.Load(*configDir)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))

	engine := synccontrol.NewEngine()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-runCtx.Done()
		engine.CancelSync()
	}()

	opts := syncrunner.Options{
		ContinueOnError:         *continueOnError || cfg.Sync.ContinueOnError,
		RetryCount:              cfg.Sync.RetryCount,
		RetryBaseDelayMs:        cfg.Sync.RetryBaseDelayMs,
		SmallFileThresholdBytes: cfg.Sync.SmallFileThresholdBytes,
		MaxParallelSmallFiles:   cfg.Sync.MaxParallelSmallFiles,
		HistoryLogRotateBytes:   cfg.Sync.HistoryLogRotateBytes,
		PreserveCreationTime:    true,
		OnProgress: func(ev syncrunner.Event) {
			if ev.Phase == "copied" || ev.Phase == "failed" || ev.Phase == "complete" {
				plog.Info("resume progress", "phase", ev.Phase, "completed", ev.Completed, "total", ev.Total, "path", ev.TargetRelativePath)
			}
		},
	}

	result, err := engine.Resume(runCtx, *journalPath, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "resumed: copied %d/%d files (%d bytes), resumed_from_journal=%v\n",
		result.Copied, result.Total, result.BytesCopied, result.ResumedFromJournal)
	return nil
}
