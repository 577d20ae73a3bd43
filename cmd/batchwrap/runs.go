package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/batchwrap/internal/config"
	"github.com/mattjoyce/batchwrap/internal/inspect"
	"github.com/mattjoyce/batchwrap/internal/journal"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

func runRunsNoun(args []string) int {
	if len(args) < 1 {
		printRunsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runRunsList(actionArgs)
	case "show":
		return runRunsShow(actionArgs)
	case "prune":
		return runRunsPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n", action)
		return 1
	}
}

// openJournalForTool opens the configured journal or explains why it cannot.
func openJournalForTool(ctx context.Context, configPath string) (*journal.Journal, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Journal.Path == "" {
		return nil, fmt.Errorf("journal.path is not configured")
	}
	return journal.Open(ctx, cfg.Journal.Path)
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of runs to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	jr, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer jr.Close()

	runs, err := jr.Runs(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		if runs == nil {
			runs = []journal.Run{}
		}
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tPOINTS\tFAILED\tHOSTS\tSTARTED\tELAPSED")
	for _, r := range runs {
		elapsed := "-"
		if !r.FinishedAt.IsZero() {
			elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Points, r.FailedPoints, r.Hosts,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), elapsed)
	}
	_ = tw.Flush()
	return 0
}

func runRunsShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: batchwrap runs show <run-id> [-json]")
		return 1
	}
	runID := positional[0]

	ctx := context.Background()
	jr, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer jr.Close()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, jr, runID)
		out += "\n"
	} else {
		out, err = inspect.BuildReport(ctx, jr, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runRunsPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete runs started before now minus this duration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	jr, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer jr.Close()

	n, err := jr.Prune(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d run(s) older than %s\n", n, *olderThan)
	return 0
}

func runWorkdirNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: batchwrap workdir prune [-config PATH] [-tmpdir DIR] [-older-than DURATION]")
		fmt.Println("Delete workdirs left behind by earlier runs.")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	if args[0] != "prune" {
		fmt.Fprintf(os.Stderr, "Unknown workdir action: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	tmpDir := fs.String("tmpdir", "", "Workdir base directory (default: dispatch.tmpdir)")
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "Delete workdirs not modified within this duration")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	base := *tmpDir
	if base == "" {
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		base = cfg.Dispatch.TmpDir
	}
	return pruneWorkdirs(base, *olderThan)
}

func pruneWorkdirs(base string, olderThan time.Duration) int {
	wsm, err := workspace.NewManager(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	report, err := wsm.Prune(context.Background(), olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d workdir(s) under %s\n", report.DeletedDirs, wsm.BaseDir())
	return 0
}

func printRunsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: batchwrap runs <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show <run-id>, prune")
	fmt.Fprintf(w, "Runs are recorded when %s names a journal.path.\n", config.DefaultFileName)
}
