// grbl-ingest feeds a GRBL controller log into the telemetry database and
// prints the run summary.
//
// Lines that carry no timestamp are stamped from a base the database records
// for each source on its first run. The source is the file's absolute path
// unless --source names it, so ingesting the same file again, or a longer
// copy of it, stores only the new lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cnc-iiot/backend/internal/config"
	"github.com/cnc-iiot/backend/internal/ingest"
	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/parser"
	"github.com/cnc-iiot/backend/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		filePath   string
		machineID  string
		policy     string
		debounce   int
		frame      string
		source     string
		baseTime   string
		migrate    bool
		jsonOut    bool
	)

	flagSet := pflag.NewFlagSet("grbl-ingest", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "grbl-backend.yaml", "path to the YAML config (created with defaults if missing)")
	flagSet.StringVarP(&filePath, "file", "f", "", "log file to ingest (.gz and .zst are decompressed); - reads stdin")
	flagSet.StringVarP(&machineID, "machine", "m", "", "machine id the log belongs to")
	flagSet.StringVar(&policy, "policy", "", "decode error policy: skip or abort (default from config)")
	flagSet.IntVar(&debounce, "debounce", 0, "consecutive Idle samples that finish a job (default from config)")
	flagSet.StringVar(&frame, "frame", "", "position frame: WPos or MPos (default from config)")
	flagSet.StringVar(&source, "source", "", "source name used for replay detection (default: absolute file path; required for stdin)")
	flagSet.StringVar(&baseTime, "base-time", "", "pin the base for untimestamped lines (RFC 3339) instead of the recorded one")
	flagSet.BoolVar(&migrate, "migrate", false, "apply schema migrations; with no --file, migrate and exit")
	flagSet.BoolVar(&jsonOut, "json", false, "print the run summary as JSON")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("policy") {
		cfg.Ingest.ErrorPolicy = policy
	}
	if flagSet.Changed("debounce") {
		cfg.Ingest.DebounceSamples = debounce
	}
	if flagSet.Changed("frame") {
		cfg.Ingest.Frame = frame
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenDuckStore(cfg.Storage.DatabasePath, cfg.StoreOptions(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		if filePath == "" {
			v, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		}
	} else if err := store.CheckSchema(ctx); err != nil {
		return err
	}

	if filePath == "" || machineID == "" {
		printHelp(flagSet)
		return errors.New("--file and --machine are required")
	}

	opts, err := cfg.IngestOptions(logger)
	if err != nil {
		return err
	}
	opts.MachineID = machineID
	if baseTime != "" {
		if opts.BaseTime, err = time.Parse(time.RFC3339Nano, baseTime); err != nil {
			return fmt.Errorf("--base-time: %w", err)
		}
	}

	var src io.ReadCloser
	if filePath == "-" {
		if source == "" {
			return errors.New("--source is required when reading stdin")
		}
		src, err = parser.NewSourceReader(os.Stdin)
	} else {
		if source == "" {
			if source, err = filepath.Abs(filePath); err != nil {
				return err
			}
		}
		src, err = parser.OpenSource(filePath)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	pipeline, err := ingest.New(store, opts)
	if err != nil {
		return err
	}
	if err := pipeline.Resume(ctx); err != nil {
		return err
	}

	summary, runErr := pipeline.Run(ctx, source, src)
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		printSummary(os.Stdout, summary)
	}
	return runErr
}

func printSummary(w io.Writer, s *models.RunSummary) {
	fmt.Fprintf(w, "Run %s (%s, machine %s, policy %s)\n", s.RunID, s.Source, s.MachineID, s.Policy)
	fmt.Fprintf(w, "  Lines read        : %d\n", s.LinesRead)
	fmt.Fprintf(w, "  Telemetry stored  : %d (late %d)\n", s.Ingested, s.Late)
	fmt.Fprintf(w, "  Messages stored   : %d\n", s.Messages)
	fmt.Fprintf(w, "  Duplicates        : %d\n", s.Duplicates)
	fmt.Fprintf(w, "  Skipped           : %d\n", s.Skipped)
	fmt.Fprintf(w, "  Jobs created      : %d\n", s.JobsCreated)
	fmt.Fprintf(w, "  Jobs started      : %d\n", s.JobsStarted)
	fmt.Fprintf(w, "  Jobs finished     : %d\n", s.JobsFinished)
	fmt.Fprintf(w, "  Jobs incomplete   : %d\n", len(s.IncompleteJobs))
	for _, j := range s.IncompleteJobs {
		at := "-"
		if j.IncompleteAt != nil {
			at = j.IncompleteAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "    job %d created %s, left incomplete at %s\n", j.ID, j.CreatedAt.Format(time.RFC3339), at)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  line %d: %s (%s)\n", e.Line, e.Reason, e.Content)
	}
	if s.Aborted {
		fmt.Fprintf(w, "  ABORTED\n")
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: grbl-ingest --machine ID --file PATH [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Ingest a GRBL status log, infer jobs and record the run.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flagSet.PrintDefaults()
}
