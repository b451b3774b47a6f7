// Package main provides the gridsweep table administration CLI.
//
// The CLI covers the table lifecycle around experiment runs: filling the
// work table from the configuration, inspecting progress, resetting
// failed experiments and dropping the table. Running experiments happens
// in the user's own binary through the gridsweep package, since the
// experiment routine is Go code.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/gridsweep-io/gridsweep"
	"github.com/gridsweep-io/gridsweep/config"
	"github.com/gridsweep-io/gridsweep/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "gridsweep"
)

func main() {
	var (
		configPath      = flag.String("config", "config/experiment.yml", "experiment configuration file")
		credentialsPath = flag.String("credentials", gridsweep.DefaultCredentialsPath, "database credentials file")
		showHelp        = flag.Bool("help", false, "show help information")
		showVersion     = flag.Bool("version", false, "show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := gridsweep.New(ctx, *configPath,
		gridsweep.WithLogger(logger),
		gridsweep.WithCredentialsPath(*credentialsPath),
	)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	defer func() {
		_ = e.Close()
	}()

	if err := executeCommand(ctx, e, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("Command failed", slog.String("error", err.Error()))

		_ = e.Close()
		os.Exit(1)
	}
}

// newLogger builds a tinted text logger for interactive use, or a JSON
// logger when GRIDSWEEP_LOG_FORMAT=json is set.
func newLogger() *slog.Logger {
	level := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	if config.GetEnvStr("GRIDSWEEP_LOG_FORMAT", "text") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

// executeCommand runs the given table lifecycle command.
func executeCommand(ctx context.Context, e *gridsweep.Experimenter, command string, args []string) error {
	switch command {
	case "fill":
		inserted, err := e.FillTableFromConfig(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%d experiments inserted\n", inserted)

		return nil
	case "status":
		return printStatus(ctx, e)
	case "reset":
		if len(args) == 0 {
			return fmt.Errorf("reset requires at least one status (or %q)", storage.StatusAll)
		}

		statuses := make([]gridsweep.Status, len(args))
		for i, arg := range args {
			statuses[i] = gridsweep.Status(arg)
		}

		count, err := e.ResetExperiments(ctx, statuses...)
		if err != nil {
			return err
		}

		fmt.Printf("%d experiments reset\n", count)

		return nil
	case "drop":
		fmt.Print("WARNING: This will drop the experiment table and all results. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return e.DeleteTable(ctx)
		}

		fmt.Println("Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printStatus renders the per-status experiment counts.
func printStatus(ctx context.Context, e *gridsweep.Experimenter) error {
	counts, err := e.CountByStatus(ctx)
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}

	sort.Strings(statuses)

	total := 0

	for _, status := range statuses {
		count := counts[gridsweep.Status(status)]
		total += count

		fmt.Printf("%-24s %d\n", status, count)
	}

	fmt.Printf("%-24s %d\n", strings.ToUpper("total"), total)

	return nil
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - Experiment Table Administration

USAGE:
    %s [OPTIONS] COMMAND [ARGS]

COMMANDS:
    fill              Fill the work table from the configured keyfield domains
    status            Show experiment counts per status
    reset STATUS...   Reset experiments with the given statuses to created
                      (use "all" to reset every experiment)
    drop              Drop the experiment table (requires confirmation)

OPTIONS:
    --config PATH       Experiment configuration file (default: config/experiment.yml)
    --credentials PATH  Database credentials file (default: %s)
    --help              Show this help message
    --version           Show version information

ENVIRONMENT VARIABLES:
    LOG_LEVEL             Log level: DEBUG, INFO, WARN, ERROR (default: INFO)
    GRIDSWEEP_LOG_FORMAT  Log format: text or json (default: text)

EXAMPLES:
    %s fill                      # Create the table and insert all combinations
    %s status                    # Show progress
    %s reset error running       # Requeue failed and stuck experiments
`, name, version, name, gridsweep.DefaultCredentialsPath, name, name, name)
}
