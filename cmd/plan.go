// Package cmd holds the CLI actions wired into cmd/lempicka-sync's main,
// one file per subcommand.
package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/lempicka/lempicka-sync/pkg/synccontrol"
)

// RunPlan implements the "plan" subcommand: build a compare plan for a root
// pair and print it as JSON without copying anything.
func RunPlan(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	left := fs.String("left", "", "source root directory")
	right := fs.String("right", "", "destination root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *left == "" || *right == "" {
		return fmt.Errorf("both -left and -right are required")
	}

	engine := synccontrol.NewEngine()
	bundle, err := engine.BuildComparePlan(*left, *right)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(bundle)
}
