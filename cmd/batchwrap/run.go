package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/batchwrap/internal/api"
	"github.com/mattjoyce/batchwrap/internal/config"
	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/events"
	"github.com/mattjoyce/batchwrap/internal/journal"
	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/storage"
	"github.com/mattjoyce/batchwrap/internal/tui"
)

const hubCapacity = 1024

type runFlags struct {
	configPath string
	wrapper    string
	input      string
	output     string
	hosts      string
	cores      int
	watch      bool
	listen     string
	logLevel   string
}

func runRun(args []string) int {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&f.wrapper, "wrapper", "", "Wrapper executable (overrides dispatch.wrapper)")
	fs.StringVar(&f.input, "input", "-", "Sample file, one point per line ('-' for stdin)")
	fs.StringVar(&f.output, "output", "-", "Result file ('-' for stdout)")
	fs.StringVar(&f.hosts, "hosts", "", "Comma-separated host list (overrides dispatch.hosts)")
	fs.IntVar(&f.cores, "cores", -1, "Workers per host, 0 for one per CPU (overrides dispatch.n_cores)")
	fs.BoolVar(&f.watch, "watch", false, "Show live progress in the terminal")
	fs.StringVar(&f.listen, "listen", "", "Serve the status API on this address (overrides status.listen)")
	fs.StringVar(&f.logLevel, "log-level", "", "Override log_level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return exitFailure
	}

	cfg, err := loadConfigForTool(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitFailure
	}
	if err := applyRunOverrides(cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	log.SetupWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger := log.WithComponent("run")

	if cfg.Dispatch.Wrapper == "" {
		fmt.Fprintln(os.Stderr, "Error: no wrapper configured (set dispatch.wrapper or pass -wrapper)")
		return exitFailure
	}

	points, err := readSample(f.input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	hostList, source, err := cfg.ResolveHosts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	logger.Info("hosts resolved", "source", source, "hosts", hostList)

	opts, err := cfg.DispatchOptions(hostList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if network, fsType, err := storage.OnNetworkFilesystem(opts.TmpDir); err == nil && network {
		logger.Info("tmpdir is on a network filesystem; workdirs are shared with the hosts", "tmpdir", opts.TmpDir, "fs_type", fsType)
	}

	hub := events.NewHub(hubCapacity)
	disp, err := dispatch.NewHostDispatcher(opts, cfg.Dialer(), hub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jr, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Journal error: %v\n", err)
			return exitFailure
		}
		defer jr.Close()
	}

	listen := f.listen
	if listen == "" {
		listen = cfg.Status.Listen
	}
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	var apiWG sync.WaitGroup
	if listen != "" {
		var runs api.RunStore
		if jr != nil {
			runs = jr
		}
		srv := api.New(api.Config{Listen: listen, Tokens: cfg.APITokens()}, disp, hub, runs, log.WithComponent("api"))
		apiWG.Add(1)
		go func() {
			defer apiWG.Done()
			if err := srv.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	var monitor *tea.Program
	monitorDone := make(chan struct{})
	if f.watch {
		stream, unsubscribe := hub.Subscribe()
		defer unsubscribe()
		monitor = tea.NewProgram(tui.NewMonitor(stream), tea.WithAltScreen(), tea.WithOutput(os.Stderr))
		go func() {
			defer close(monitorDone)
			final, err := monitor.Run()
			if err != nil {
				logger.Error("monitor failed", "error", err)
				return
			}
			if m, ok := final.(tui.Model); ok && m.UserQuit() {
				cancelRun()
			}
		}()
	} else {
		close(monitorDone)
	}

	started := time.Now()
	report, runErr := disp.ExecSample(runCtx, points)
	hub.Close()
	<-monitorDone
	stopAPI()
	apiWG.Wait()

	if jr != nil {
		recordRun(jr, cfg, opts, disp, points, started, report, runErr)
	}

	if report != nil {
		if err := writeSample(f.output, report.Results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
	}

	switch {
	case errors.Is(runErr, dispatch.ErrCancelled):
		fmt.Fprintln(os.Stderr, "Run interrupted; unfinished points are reported as failed.")
		return exitCancelled
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return exitFailure
	case report.HadErrors:
		return exitPointErrors
	}
	return exitOK
}

// applyRunOverrides folds command line flags into cfg and validates the
// result again.
func applyRunOverrides(cfg *config.Config, f runFlags) error {
	if f.wrapper != "" {
		cfg.Dispatch.Wrapper = f.wrapper
	}
	if f.hosts != "" {
		var list []string
		for _, h := range strings.Split(f.hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				list = append(list, h)
			}
		}
		cfg.Dispatch.Hosts = list
	}
	if f.cores >= 0 {
		cfg.Dispatch.Cores = f.cores
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func recordRun(
	jr *journal.Journal,
	cfg *config.Config,
	opts dispatch.Options,
	disp *dispatch.HostDispatcher,
	points []sample.Point,
	started time.Time,
	report *dispatch.Report,
	runErr error,
) {
	logger := log.WithComponent("journal")
	digest, err := config.DigestFiles(append([]string{cfg.Dispatch.Wrapper}, opts.Files...))
	if err != nil {
		logger.Warn("input digest unavailable", "error", err)
	}
	runID := disp.Status().RunID
	if report != nil {
		runID = report.RunID
		started = report.Started
	}
	entry := journal.Entry{
		RunID:   runID,
		Wrapper: cfg.Dispatch.Wrapper,
		Digest:  digest,
		Points:  len(points),
		Hosts:   disp.Hosts(),
		Started: started,
		Report:  report,
		Err:     runErr,
	}
	if report != nil {
		entry.Finished = report.Finished
	}
	// The run context may be cancelled already; the record is still wanted.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := jr.Record(ctx, entry); err != nil {
		logger.Error("failed to record run", "run_id", runID, "error", err)
	}
}

func readSample(path string) ([]sample.Point, error) {
	var r io.Reader = os.Stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sample: %w", err)
		}
		defer f.Close()
		r = f
	}
	points, err := sample.ReadPoints(r)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	return points, nil
}

func writeSample(path string, results []sample.Result) error {
	if path == "-" || path == "" {
		return sample.WriteResults(os.Stdout, results)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := sample.WriteResults(f, results); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}
