package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/lempicka/lempicka-sync/pkg/hints"
	"github.com/lempicka/lempicka-sync/pkg/synccontrol"
)

// RunRecover implements the "recover" subcommand: print the recovery
// summary for a journal without resuming anything, so an operator can
// inspect what an interrupted run left behind before deciding to resume it.
func RunRecover(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	journalPath := fs.String("journal", "", "recovery journal path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *journalPath == "" {
		return fmt.Errorf("-journal is required")
	}

	engine := synccontrol.NewEngine()
	summary, err := engine.RecoverySummary(*journalPath)
	if err != nil {
		if hints.IsHint(err) {
			fmt.Fprintln(stdout, "no recovery journal found")
			return nil
		}
		return err
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}
