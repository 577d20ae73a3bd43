package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/batchwrap/internal/config"
	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes of the run command.
const (
	exitOK          = 0
	exitFailure     = 1
	exitPointErrors = 2
	exitCancelled   = 130
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "worker":
		return runWorker(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "hosts":
		return runHosts(args)
	case "config":
		return runConfigNoun(args)
	case "runs":
		return runRunsNoun(args)
	case "workdir":
		return runWorkdirNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: batchwrap version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("batchwrap %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`batchwrap - evaluate a wrapper over a sample across local cores and SSH hosts

Usage:
  batchwrap <command> [flags]

Commands:
  run               Evaluate a sample and write the results
  watch             Follow a running evaluation through its status API
  hosts             Show the resolved host list
  worker            Remote worker entry point (started by run)

Config Commands:
  config check      Validate syntax, policy, and integrity
  config lock       Authorize current state (update integrity hashes)
  config show       Show the resolved configuration
  config get        Read one configuration value
  config set        Change one configuration value

Journal Commands:
  runs list         Show recent runs
  runs show <id>    Show one run with its failed points
  runs prune        Delete old journal entries

Maintenance:
  workdir prune     Delete old workdirs left by failed runs

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'batchwrap <command> -h' for command flags.
`)
}

func printRunHelp() {
	fmt.Println("Usage: batchwrap run [-config PATH] [-wrapper PATH] [-input FILE] [-output FILE]")
	fmt.Println("                     [-hosts h1,h2] [-cores N] [-watch] [-listen ADDR] [-log-level LEVEL]")
	fmt.Println("Evaluate one point per input line and write one result line per point, in input order.")
	fmt.Println("Failed points are written as '!<message>'.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0    Every point succeeded")
	fmt.Println("  1    The run could not start or aborted")
	fmt.Println("  2    The run finished with failed points")
	fmt.Println("  130  The run was interrupted")
}

func printWatchHelp() {
	fmt.Println("Usage: batchwrap watch [-api-url URL] [-token TOKEN]")
	fmt.Println()
	fmt.Println("Follow the progress of a run started with status.listen or -listen.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -api-url URL    Status API URL (default: http://127.0.0.1:8787)")
	fmt.Println("  -token TOKEN    Bearer token (or BATCHWRAP_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓              Scroll events")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// parseInterspersed parses fs over args where flags may follow positional
// arguments, and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// runWorker is started on remote hosts by the dispatcher. Its stderr is the
// workdir's diagnostic file, so it only logs errors.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	workdir := fs.String("workdir", "", "Workdir holding job.in")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *workdir == "" {
		fmt.Fprintln(os.Stderr, "Usage: batchwrap worker -workdir DIR")
		return 1
	}

	log.Setup("ERROR")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := dispatch.RunWorker(ctx, *workdir); err != nil {
		log.Error("worker failed", "workdir", *workdir, "error", err)
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8787", "Status API URL")
	token := fs.String("token", os.Getenv("BATCHWRAP_TOKEN"), "Bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := tui.Stream(ctx, *apiURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(stream), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runHosts(args []string) int {
	fs := flag.NewFlagSet("hosts", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	list, source, err := cfg.ResolveHosts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]any{"source": source, "hosts": list}, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("# source: %s\n", source)
	for _, h := range list {
		fmt.Println(h)
	}
	return 0
}

// loadConfigForTool loads configPath, the discovered config file, or the
// defaults when neither exists.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.Discover()
	}
	if configPath == "" {
		return config.LoadDefaults()
	}
	return config.Load(configPath)
}
