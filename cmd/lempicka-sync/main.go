// Command lempicka-sync drives the versioned-file sync engine from the
// command line: plan, sync, resume, and recover subcommands over the
// pkg/synccontrol control surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lempicka/lempicka-sync/cmd"
	"github.com/lempicka/lempicka-sync/pkg/plog"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "lempicka-sync (version %s)\n\n", version)
	fmt.Fprintf(os.Stderr, "usage: lempicka-sync <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  plan     build and print a compare plan without copying\n")
	fmt.Fprintf(os.Stderr, "  sync     build and execute a plan\n")
	fmt.Fprintf(os.Stderr, "  resume   continue an interrupted run from its journal\n")
	fmt.Fprintf(os.Stderr, "  recover  print the recovery summary for a journal\n")
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("a command is required")
	}

	switch args[0] {
	case "plan":
		return cmd.RunPlan(args[1:], os.Stdout)
	case "sync":
		return cmd.RunSync(ctx, args[1:], os.Stdout)
	case "resume":
		return cmd.RunResume(ctx, args[1:], os.Stdout)
	case "recover":
		return cmd.RunRecover(args[1:], os.Stdout)
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		plog.Error("lempicka-sync exited with error", "error", err)
		os.Exit(1)
	}
}
