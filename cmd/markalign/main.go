package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "markalign",
	Short: "Align exam question papers with their mark schemes",
	Long: `markalign walks a question paper and its mark scheme side by side, asks an
extraction model for the questions in each window, and writes the aligned
questions back into the exam index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to markalign.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().StringVar(&runSubject, "subject", "", "only exams of this subject")
	runCmd.Flags().StringVar(&runYear, "year", "", "only exams of this year")
	runCmd.Flags().StringVar(&runQualification, "qualification", "", "only exams of this qualification")
	runCmd.Flags().BoolVar(&runForce, "force", false, "re-align exams that were already processed")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "parallel exams (default from config)")

	alignCmd.Flags().StringVar(&alignQP, "qp", "", "question paper document id")
	alignCmd.Flags().StringVar(&alignMS, "ms", "", "mark scheme document id (default: the exam's own)")
	alignCmd.Flags().BoolVar(&alignPatch, "patch", false, "write the result into an index snapshot")
	_ = alignCmd.MarkFlagRequired("qp")

	outcomesCmd.Flags().StringVar(&outcomesRun, "run", "", "only outcomes of this run id")
	outcomesCmd.Flags().IntVarP(&outcomesLimit, "limit", "n", 20, "number of rows")

	rootCmd.AddCommand(runCmd, alignCmd, serveCmd, outcomesCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
