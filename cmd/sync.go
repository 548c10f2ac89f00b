package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lempicka/lempicka-sync/pkg/config"
	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/progressview"
	"github.com/lempicka/lempicka-sync/pkg/synccontrol"
	"github.com/lempicka/lempicka-sync/pkg/syncrunner"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// RunSync implements the "sync" subcommand: build a plan over -left/-right
// (with options loaded from -config-dir, which defaults to -right) and
// execute it, honoring Ctrl+C as cancel and, on platforms that support it,
// SIGUSR1 as a pause toggle.
func RunSync(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	left := fs.String("left", "", "source root directory")
	right := fs.String("right", "", "destination root directory")
	configDir := fs.String("config-dir", "", "directory holding lempicka-sync.config.json (defaults to -right)")
	continueOnError := fs.Bool("continue-on-error", false, "collect failures and keep going instead of stopping at the first one")
	journalPath := fs.String("journal", "", "recovery journal path; empty disables durability")
	useTUI := fs.Bool("tui", false, "render progress with a terminal UI instead of plain log lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *left == "" || *right == "" {
		return fmt.Errorf("both -left and -right are required")
	}

	leftRoot, err := util.ExpandPath(*left)
	if err != nil {
		return err
	}
	rightRoot, err := util.ExpandPath(*right)
	if err != nil {
		return err
	}

	dir := *configDir
	if dir == "" {
		dir = rightRoot
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))

	engine := synccontrol.NewEngine()
	bundle, err := engine.BuildComparePlan(leftRoot, rightRoot)
	if err != nil {
		return err
	}
	plog.Info("built sync plan", "pending", bundle.PendingCount, "candidates", bundle.TotalCandidates)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	pauseCh := make(chan os.Signal, 1)
	if sig := pauseSignal(); sig != nil {
		signal.Notify(pauseCh, sig)
		defer signal.Stop(pauseCh)
		go func() {
			for range pauseCh {
				paused := engine.TogglePause()
				plog.Notice("pause toggled", "paused", paused)
			}
		}()
	}
	go func() {
		<-runCtx.Done()
		engine.CancelSync()
	}()

	opts := syncrunner.Options{
		LeftRoot:                leftRoot,
		RightRoot:               rightRoot,
		DirectoriesToCreate:     bundle.DirectoriesToCreate,
		ContinueOnError:         *continueOnError || cfg.Sync.ContinueOnError,
		RetryCount:              cfg.Sync.RetryCount,
		RetryBaseDelayMs:        cfg.Sync.RetryBaseDelayMs,
		SmallFileThresholdBytes: cfg.Sync.SmallFileThresholdBytes,
		MaxParallelSmallFiles:   cfg.Sync.MaxParallelSmallFiles,
		JournalPath:             firstNonEmpty(*journalPath, cfg.Sync.JournalPath),
		HistoryLogRotateBytes:   cfg.Sync.HistoryLogRotateBytes,
		PreserveCreationTime:    true,
	}

	var result syncrunner.Result
	if *useTUI {
		events, wait := progressview.EventChannel(func(onProgress func(syncrunner.Event)) (syncrunner.Result, error) {
			opts.OnProgress = onProgress
			return engine.Sync(runCtx, bundle, opts)
		})
		program := tea.NewProgram(progressview.New(events))
		if _, runErr := program.Run(); runErr != nil {
			plog.Warn("progress UI exited with an error", "error", runErr)
		}
		result, err = wait()
	} else {
		opts.OnProgress = func(ev syncrunner.Event) {
			if ev.Phase == "copied" || ev.Phase == "failed" || ev.Phase == "complete" {
				plog.Info("sync progress", "phase", ev.Phase, "completed", ev.Completed, "total", ev.Total, "path", ev.TargetRelativePath)
			}
		}
		result, err = engine.Sync(runCtx, bundle, opts)
	}

	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "copied %d/%d files (%d bytes) in %dms\n", result.Copied, result.Total, result.BytesCopied, result.DurationMs)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
