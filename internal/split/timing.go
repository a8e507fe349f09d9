package split

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
	"github.com/google/uuid"
)

// minRuntimeMS is the floor for learned runtimes; it keeps zero unambiguous
// as "never timed".
const minRuntimeMS = 100

// Learner folds observed batch durations into per-file runtime estimates.
type Learner struct {
	store             store.Store
	logger            *slog.Logger
	startupOverheadMS int64
	negativeDrops     atomic.Int64
}

// NegativeDrops reports how many paired-run estimates came out negative and
// were discarded.
func (l *Learner) NegativeDrops() int64 {
	return l.negativeDrops.Load()
}

func NewLearner(st store.Store, logger *slog.Logger, startupOverheadMS int64) *Learner {
	if startupOverheadMS <= 0 {
		startupOverheadMS = 1750
	}
	return &Learner{
		store:             st,
		logger:            logger.With("component", "timing"),
		startupOverheadMS: startupOverheadMS,
	}
}

// ProcessRunInfo learns timings from one batch and marks it processed.
// Failed batches carry no usable timing and are only marked. Per-file errors
// are logged and swallowed so one bad record cannot stall the queue.
func (l *Learner) ProcessRunInfo(ctx context.Context, wri *model.WorkerRunInfo) error {
	if wri.Succeeded() && len(wri.Files) > 0 {
		contention, err := l.contention(ctx, wri)
		if err != nil {
			return err
		}
		l.recordFileRuns(ctx, wri, contention)

		if err := l.compareToPreviousRun(ctx, wri, contention); err != nil {
			l.logger.Warn("previous run comparison failed", "wri_id", wri.ID, "error", err)
		}
	}

	return l.store.MarkRunInfoProcessed(ctx, wri.ID)
}

// recordFileRuns spreads the batch duration across its files and nudges each
// file's estimate toward the observation.
func (l *Learner) recordFileRuns(ctx context.Context, wri *model.WorkerRunInfo, contention float64) {
	now := time.Now().UTC()
	filesInRun := len(wri.Files)

	adjusted := int64(float64(wri.MSTimeTaken-l.startupOverheadMS) / contention / float64(filesInRun))
	if adjusted < minRuntimeMS {
		adjusted = minRuntimeMS
	}

	for _, filename := range wri.Files {
		if filename == "" {
			continue
		}

		tf, err := l.store.UpsertTestFile(ctx, wri.ProjectID, filename, now)
		if err != nil {
			l.logger.Warn("upsert test file failed", "wri_id", wri.ID, "filename", filename, "error", err)
			continue
		}

		tfr := &model.TestFileRun{
			ID:              "tfr_" + uuid.New().String(),
			TestFileID:      tf.ID,
			WorkerRunInfoID: wri.ID,
			JobrunID:        wri.JobrunID,
			MSTimeTaken:     adjusted,
			FilesInRun:      filesInRun,
			Contention:      contention,
			CreatedAt:       now,
		}
		if err := l.store.CreateTestFileRun(ctx, tfr); err != nil {
			l.logger.Warn("create test file run failed", "wri_id", wri.ID, "filename", filename, "error", err)
			continue
		}

		var runtime int64
		var confidence float64
		switch {
		case filesInRun == 1:
			// A single file batch is the cleanest observation we get.
			if tf.RuntimeMS > 0 {
				runtime = (tf.RuntimeMS + adjusted) / 2
			} else {
				runtime = adjusted
			}
			confidence = 1
		case tf.TimingConfidence < 1:
			if tf.RuntimeMS > 0 {
				runtime = (tf.RuntimeMS*4 + adjusted) / 6
			} else {
				runtime = adjusted
			}
			confidence = 1 / float64(filesInRun)
		default:
			// A high-confidence estimate is not diluted by a shared batch.
			continue
		}

		if err := l.store.UpdateTestFileTiming(ctx, tf.ID, runtime, confidence, now); err != nil {
			l.logger.Warn("update timing failed", "wri_id", wri.ID, "filename", filename, "error", err)
		}
	}
}

// compareToPreviousRun looks for a succeeded batch from a completed run that
// ran exactly our files plus one. The duration difference isolates the extra
// file's runtime at high confidence.
func (l *Learner) compareToPreviousRun(ctx context.Context, wri *model.WorkerRunInfo, ourContention float64) error {
	candidates, err := l.store.ListPreviousRunCandidates(ctx, wri.ProjectID, len(wri.Files)+1)
	if err != nil {
		return err
	}

	ours := make(map[string]bool, len(wri.Files))
	for _, f := range wri.Files {
		ours[f] = true
	}

	for _, prev := range candidates {
		extra, ok := oneExtraFile(ours, prev.Files)
		if !ok {
			continue
		}

		theirContention, err := l.contention(ctx, prev)
		if err != nil {
			return err
		}

		estimate := float64(prev.MSTimeTaken)/theirContention - float64(wri.MSTimeTaken)/ourContention
		if estimate < 0 {
			dropped := l.negativeDrops.Add(1)
			l.logger.Warn("negative timing estimate dropped",
				"wri_id", wri.ID, "previous_wri_id", prev.ID,
				"estimate_ms", estimate, "dropped_total", dropped)
			return nil
		}

		now := time.Now().UTC()
		tf, err := l.store.UpsertTestFile(ctx, wri.ProjectID, extra, now)
		if err != nil {
			return err
		}

		combined := ourContention + theirContention
		var runtime int64
		if tf.RuntimeMS > 0 {
			runtime = int64((float64(tf.RuntimeMS)/combined + estimate*(combined-1)) / combined)
		} else {
			runtime = int64(estimate)
		}
		confidence := 2 / combined

		l.logger.Debug("high confidence timing from paired runs",
			"filename", extra, "runtime_ms", runtime, "confidence", confidence,
			"wri_id", wri.ID, "previous_wri_id", prev.ID)
		return l.store.UpdateTestFileTiming(ctx, tf.ID, runtime, confidence, now)
	}
	return nil
}

// oneExtraFile reports the single file present in theirs but not ours.
func oneExtraFile(ours map[string]bool, theirs []string) (string, bool) {
	var extra string
	count := 0
	for _, f := range theirs {
		if !ours[f] {
			extra = f
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return extra, true
}

// contention estimates how many batches competed for the machine's CPUs
// while this one ran. A machine with 2n cores running n+1 overlapping
// batches is just contended.
func (l *Learner) contention(ctx context.Context, wri *model.WorkerRunInfo) (float64, error) {
	overlapping, err := l.store.CountOverlappingRunInfos(ctx, wri.MachineUID, wri.StartedAt, wri.FinishedAt, wri.ID)
	if err != nil {
		return 0, fmt.Errorf("counting overlapping runs: %w", err)
	}

	cpus := 2
	machine, err := l.store.GetMachine(ctx, wri.MachineUID)
	if err != nil {
		return 0, err
	}
	if machine != nil && machine.CPUs > 0 {
		cpus = machine.CPUs
	}

	c := float64(overlapping+1) / (float64(cpus) / 2)
	if c < 1 {
		c = 1
	}
	return c, nil
}
