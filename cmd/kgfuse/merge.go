package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/engine"
	"github.com/kgfuse/kgfuse-go/internal/spill"
)

// Exit codes of the merge command.
const (
	exitOK        = 0
	exitFatal     = 1
	exitCancelled = 2
	exitDiskFull  = 3
	exitPartial   = 4
)

var (
	onlyMode    string
	resumeRun   bool
	forceResume bool
	strictMode  bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Run the full merge, or a single phase with --only",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load(cfgFile)
		if err != nil {
			logger.WithError(err).Error("configuration error")
			osExit(exitFatal)
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng := engine.New(cfg, logger)
		result, err := eng.Run(ctx, engine.RunOptions{
			Only:        onlyMode,
			Resume:      resumeRun,
			ForceResume: forceResume,
			Strict:      strictMode,
		})
		if err != nil {
			osExit(exitCode(ctx, err))
			return nil
		}

		if len(result.Refused) > 0 {
			logger.WithField("sources", result.Refused).Warn("merge finished with refused sources")
			osExit(exitPartial)
			return nil
		}
		return nil
	},
}

// exitCode maps an engine failure to the documented exit codes.
func exitCode(ctx context.Context, err error) int {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		logger.Warn("merge cancelled")
		return exitCancelled
	case errors.Is(err, syscall.ENOSPC):
		logger.WithError(err).Error("spill space exhausted")
		return exitDiskFull
	case errors.Is(err, spill.ErrDirty):
		logger.WithError(err).Error("refusing dirty spill directory")
		return exitFatal
	default:
		logger.WithFields(logrus.Fields{"error": err.Error()}).Error("merge failed")
		return exitFatal
	}
}

// osExit is swapped in tests.
var osExit = os.Exit

func init() {
	mergeCmd.Flags().StringVar(&onlyMode, "only", "", `run one phase: "stats" or "chain=<name>"`)
	mergeCmd.Flags().BoolVar(&resumeRun, "resume", false, "continue from an unfinished spill directory")
	mergeCmd.Flags().BoolVar(&forceResume, "force-resume", false, "discard an unfinished spill directory and start over")
	mergeCmd.Flags().BoolVar(&strictMode, "strict", false, "fail when edges reference ids missing from the merged nodes")
}
