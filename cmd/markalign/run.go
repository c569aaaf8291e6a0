package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/checkpoint"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/pipeline"
)

var (
	runSubject       string
	runYear          string
	runQualification string
	runForce         bool
	runWorkers       int

	alignQP    string
	alignMS    string
	alignPatch bool

	outcomesRun   string
	outcomesLimit int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Align every pending exam in the index",
	Long: `Selects exam entries from the index (skipping those already processed unless
--force), aligns them in parallel, prints a summary and writes the patched index
to a new snapshot. Exits non-zero if any exam failed or was only partly aligned.`,
	RunE: runBatch,
}

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Align a single question paper and mark scheme",
	Example: `  markalign align --qp bio-2023-p1-qp
  markalign align --qp bio-2023-p1-qp --ms bio-2023-p1-ms-v2 --patch`,
	RunE: runAlign,
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show recent per-exam outcomes from the checkpoint ledger",
	RunE:  runOutcomes,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if runWorkers > 0 {
		cfg.Batch.Workers = runWorkers
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	entries := a.index.Entries(index.Filter{
		Subject:          runSubject,
		Year:             runYear,
		Qualification:    runQualification,
		IncludeProcessed: runForce,
	})
	if len(entries) == 0 {
		logger.Info("no pending exams")
		return nil
	}

	orch := pipeline.NewOrchestrator(cfg.Batch, a.worker, logger.Named("batch"))
	sum := orch.RunBatch(ctx, entries)

	// The snapshot is written even when some exams failed.
	path, snapErr := a.snapshot()
	if snapErr != nil {
		logger.Error("index snapshot failed", zap.Error(snapErr))
	}

	printSummary(cmd, sum, path)
	if snapErr != nil {
		return snapErr
	}
	if !sum.OK() {
		return fmt.Errorf("%d of %d exams did not complete", sum.Partial+sum.Failed, sum.Total)
	}
	return nil
}

func printSummary(cmd *cobra.Command, sum pipeline.Summary, snapshot string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d exams, %d completed, %d partial, %d failed, %d questions in %s\n",
		sum.RunID, sum.Total, sum.Completed, sum.Partial, sum.Failed, sum.Questions, sum.Elapsed.Round(time.Second))
	for _, f := range sum.Failures {
		fmt.Fprintf(out, "  %-8s %s: %s\n", f.Status, f.ExamID, f.Reason)
	}
	if snapshot != "" {
		fmt.Fprintf(out, "index snapshot: %s\n", snapshot)
	}
}

func runAlign(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.index.Locate(alignQP, index.QuestionPaper)
	if err != nil {
		return err
	}
	if alignMS != "" {
		ms, err := a.index.Find(alignMS, index.MarkScheme)
		if err != nil {
			return err
		}
		entry.MarkScheme = ms
	}
	if entry.MarkScheme.ID == "" {
		return errors.New("exam has no mark scheme record; pass --ms")
	}

	job := pipeline.NewJob("", entry)
	a.worker.Process(ctx, job)
	snap := job.Snapshot()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job.Questions()); err != nil {
		return err
	}

	if alignPatch {
		path, err := a.snapshot()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "index snapshot: %s\n", path)
	}
	if snap.Status != pipeline.StatusCompleted {
		return fmt.Errorf("exam %s %s: %v", snap.ExamID, snap.Status, snap.Progress.Errors)
	}
	return nil
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.Open(cfg.Checkpoint.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Outcomes(cmd.Context(), outcomesRun, outcomesLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tRUN\tEXAM\tSTATUS\tQUESTIONS\tATTEMPTS\tERROR")
	for _, o := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			o.FinishedAt.Local().Format(time.DateTime), shortID(o.RunID), o.ExamID, o.Status,
			o.Questions, o.Attempts, o.Error)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

