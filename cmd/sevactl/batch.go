package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/joiner"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/pipeline"
	"github.com/yajmaan/sevaflow/internal/worker"
	"go.uber.org/zap"
)

// inputFiles are the three files every batch command reads
type inputFiles struct {
	roster    string
	links     string
	templates string
}

func (in *inputFiles) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.roster, "roster", "", "roster CSV (name, country code, phone, batch id, temple id)")
	cmd.Flags().StringVar(&in.links, "links", "", "batch link CSV (batch id, canva link)")
	cmd.Flags().StringVar(&in.templates, "templates", "", "template config YAML")
	_ = cmd.MarkFlagRequired("roster")
	_ = cmd.MarkFlagRequired("links")
	_ = cmd.MarkFlagRequired("templates")
}

func (in *inputFiles) join() (*joiner.Result, error) {
	templates, err := loadTemplates(in.templates)
	if err != nil {
		return nil, err
	}
	roster, err := readTable(in.roster)
	if err != nil {
		return nil, err
	}
	links, err := readTable(in.links)
	if err != nil {
		return nil, err
	}
	return joiner.Join(roster, links, templates)
}

func newValidateCmd() *cobra.Command {
	var in inputFiles
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Join the input files and report excluded rows",
		Long:  `Parses the roster, links and templates, prints every excluded row and exits non-zero on schema errors.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := in.join()
			if err != nil {
				printJoinError(cmd.ErrOrStderr(), err)
				return err
			}
			printPreflight(cmd.OutOrStdout(), res)
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

type runFlags struct {
	concurrency   int
	maxAttempts   int
	dryRun        bool
	mock          bool
	progressEvery time.Duration
}

func newRunCmd() *cobra.Command {
	var (
		in    inputFiles
		flags runFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch in-process",
		Long: `Joins the input files, then downloads each batch video, re-hosts it and
sends one WhatsApp template message per roster row. Progress lines are printed
while the batch runs and the final report is written as JSON. Interrupting
the command cancels the batch; records already sent stay sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, &in, &flags)
		},
	}
	in.register(cmd)
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "parallel work items (default from config)")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "attempts per provider call (default from config)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "stop after validation")
	cmd.Flags().BoolVar(&flags.mock, "mock", false, "use mock providers")
	cmd.Flags().DurationVar(&flags.progressEvery, "progress-interval", 2*time.Second, "how often to print progress")
	return cmd
}

func runBatch(cmd *cobra.Command, in *inputFiles, flags *runFlags) error {
	out := cmd.OutOrStdout()

	res, err := in.join()
	if err != nil {
		printJoinError(cmd.ErrOrStderr(), err)
		return err
	}
	printPreflight(out, res)
	if flags.dryRun {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.concurrency > 0 {
		cfg.Pipeline.Concurrency = flags.concurrency
	}
	if flags.maxAttempts > 0 {
		cfg.Pipeline.MaxAttempts = flags.maxAttempts
	}

	deps, err := worker.NewDependencies(cfg, logger, flags.mock)
	if err != nil {
		return err
	}

	batchID := uuid.New().String()
	opts := pipeline.OptionsFromConfig(cfg, batchID)
	opts.ParseDetails = res.Summary()
	opts.Preflight = append(append([]model.ValidationError(nil), res.Errors...), res.Warnings...)
	opts.Excluded = res.Excluded
	orch := pipeline.New(res.Items, deps, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("running batch", zap.String("batch_id", batchID), zap.Int("work_items", len(res.Items)))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		printProgress(out, orch, flags.progressEvery, done)
	}()

	report, runErr := orch.Run(ctx)
	close(done)
	wg.Wait()

	printSteps(out, orch.Snapshot())
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}

func readTable(path string) (*joiner.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := joiner.ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func printPreflight(w io.Writer, res *joiner.Result) {
	fmt.Fprintln(w, res.Summary())
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  excluded %s line %d: %s (%s)\n", e.Table, e.Line, e.Message, e.Code)
	}
	for _, e := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", e.Message)
	}
}

func printJoinError(w io.Writer, err error) {
	var schemaErr *joiner.SchemaError
	if !errors.As(err, &schemaErr) {
		return
	}
	for _, p := range schemaErr.Problems {
		fmt.Fprintf(w, "  %s: %s (%s)\n", p.Table, p.Message, p.Code)
	}
}

func printProgress(w io.Writer, orch *pipeline.Orchestrator, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			printSteps(w, orch.Snapshot())
		}
	}
}

func printSteps(w io.Writer, snap model.ProgressSnapshot) {
	parts := make([]string, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		parts = append(parts, fmt.Sprintf("%s %d%% (%s)", s.ID, s.Progress, s.Status))
	}
	fmt.Fprintf(w, "[%s] %s\n", snap.Status, strings.Join(parts, " | "))
}
