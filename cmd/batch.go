package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/submission"
)

var (
	batchTarget  string
	batchFile    string
	batchForceAI bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [declaration...]",
	Short: "Submit many declarations to one portal concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ids := args
		if batchFile != "" {
			fromFile, err := readDeclarationIDs(batchFile)
			if err != nil {
				return err
			}
			ids = append(ids, fromFile...)
		}

		env, err := initSubmitEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := processBatch(ctx, ids, cfg.Batch.MaxConcurrent, func(ctx context.Context, declarationID string) (*model.Submission, error) {
			return env.Orchestrator.Submit(ctx, batchTarget, declarationID, submission.CreateOptions{ForceAI: batchForceAI})
		})
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return eris.Errorf("batch: %d of %d submissions failed", res.Failed, res.Succeeded+res.Failed)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchTarget, "target", "", "target portal ID (required)")
	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one declaration ID per line")
	batchCmd.Flags().BoolVar(&batchForceAI, "force-ai", false, "use AI matching even when disabled in config")
	_ = batchCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(batchCmd)
}

// readDeclarationIDs reads one ID per line, skipping blanks and # comments.
func readDeclarationIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "batch: read %s", path)
	}
	return ids, nil
}

// submitFunc is the callback signature for submitting one declaration.
type submitFunc func(ctx context.Context, declarationID string) (*model.Submission, error)

// batchResult counts batch outcomes.
type batchResult struct {
	Succeeded int64
	Failed    int64
}

// processBatch submits each declaration with at most concurrency in flight.
// One failure never aborts the rest of the batch.
func processBatch(ctx context.Context, ids []string, concurrency int, submit submitFunc) (batchResult, error) {
	if len(ids) == 0 {
		zap.L().Info("no declarations to submit")
		return batchResult{}, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("declarations", len(ids)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for _, id := range ids {
		g.Go(func() error {
			log := zap.L().With(zap.String("declaration_id", id))

			sub, err := submit(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Error("submission failed", zap.Error(err))
				return nil
			}
			if sub.Status != model.SubmissionStatusSubmitted {
				failed.Add(1)
				log.Warn("submission rejected",
					zap.String("submission_id", sub.ID),
					zap.String("error", sub.Error),
				)
				return nil
			}

			succeeded.Add(1)
			log.Info("submission complete",
				zap.String("submission_id", sub.ID),
				zap.String("reference", sub.ExternalReference),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batchResult{}, eris.Wrap(err, "batch processing")
	}

	res := batchResult{Succeeded: succeeded.Load(), Failed: failed.Load()}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", res.Succeeded),
		zap.Int64("failed", res.Failed),
	)
	return res, nil
}
