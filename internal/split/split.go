// Package split divides a run's test files into per-worker buckets so the
// slowest bucket finishes as early as possible, and folds observed batch
// durations back into per-file runtime estimates.
package split

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
)

// Split method names reported to callers.
const (
	MethodDefault   = "default"
	MethodPartition = "partition-pre-split"
)

// Result is a computed split.
type Result struct {
	Buckets [][]string `json:"buckets"`
	Method  string     `json:"method"`
}

// Service computes test file splits for a project.
type Service struct {
	store  store.Store
	logger *slog.Logger
	cfg    config.SchedulingConfig
}

func NewService(st store.Store, logger *slog.Logger, cfg config.SchedulingConfig) *Service {
	return &Service{
		store:  st,
		logger: logger.With("component", "split"),
		cfg:    cfg,
	}
}

// Split partitions files into numBuckets buckets. When the project's most
// recent completed run used the same bucket count and every file has timing
// history, the previous run's observed bucket durations are rebalanced;
// otherwise the greedy estimate-based split is used.
func (s *Service) Split(ctx context.Context, project *model.Project, files []string, numBuckets int) (*Result, error) {
	if numBuckets < 1 {
		return nil, model.NewValidationError(fmt.Sprintf("num_buckets must be at least 1, got %d", numBuckets))
	}
	if len(files) == 0 {
		return nil, model.NewValidationError("no test files to split")
	}
	if numBuckets > len(files) {
		return nil, model.NewValidationError(
			fmt.Sprintf("cannot split %d files into %d buckets", len(files), numBuckets))
	}

	estimates, err := s.Estimates(ctx, project.ID, files)
	if err != nil {
		return nil, err
	}

	if buckets, ok, err := s.partitionFromPrevious(ctx, project, files, numBuckets, estimates); err != nil {
		return nil, err
	} else if ok {
		s.logger.Debug("split computed", "project_id", project.ID, "method", MethodPartition, "buckets", numBuckets)
		return &Result{Buckets: buckets, Method: MethodPartition}, nil
	}

	buckets := defaultSplit(files, estimates, numBuckets)
	s.logger.Debug("split computed", "project_id", project.ID, "method", MethodDefault, "buckets", numBuckets)
	return &Result{Buckets: buckets, Method: MethodDefault}, nil
}

// Estimates returns a per-file runtime estimate in milliseconds. Files
// without timing history get the mean of the project's learned runtimes, or
// the configured default when nothing has been learned yet.
func (s *Service) Estimates(ctx context.Context, projectID string, files []string) (map[string]int64, error) {
	known, err := s.store.GetTestFilesByNames(ctx, projectID, files)
	if err != nil {
		return nil, fmt.Errorf("loading test files: %w", err)
	}
	byName := make(map[string]*model.TestFile, len(known))
	for _, f := range known {
		byName[f.Filename] = f
	}

	unseen := s.cfg.DefaultRuntimeMS
	if unseen <= 0 {
		unseen = 50000
	}
	if mean, ok, err := s.store.MeanKnownRuntimeMS(ctx, projectID); err != nil {
		return nil, fmt.Errorf("computing mean runtime: %w", err)
	} else if ok {
		unseen = int64(mean)
	}

	estimates := make(map[string]int64, len(files))
	for _, name := range files {
		if f, ok := byName[name]; ok && f.Timed() {
			estimates[name] = f.RuntimeMS
		} else {
			estimates[name] = unseen
		}
	}
	return estimates, nil
}

// partitionFromPrevious rebalances the bucket layout of the project's most
// recent completed run with the same bucket count. Requires every file to be
// known; returns ok=false when the preconditions don't hold.
func (s *Service) partitionFromPrevious(ctx context.Context, project *model.Project, files []string, numBuckets int, estimates map[string]int64) ([][]string, bool, error) {
	known, err := s.store.GetTestFilesByNames(ctx, project.ID, files)
	if err != nil {
		return nil, false, err
	}
	if len(known) != len(files) {
		return nil, false, nil
	}

	prev, err := s.store.LatestCompletedJobrun(ctx, project.ID, numBuckets)
	if err != nil {
		return nil, false, err
	}
	if prev == nil {
		return nil, false, nil
	}

	wris, err := s.store.ListRunInfosByJobrun(ctx, prev.ID)
	if err != nil {
		return nil, false, err
	}
	if len(wris) != numBuckets {
		s.logger.Debug("previous run bucket count mismatch",
			"jobrun_id", prev.ID, "batches", len(wris), "want", numBuckets)
		return nil, false, nil
	}

	// The previous layout is only reusable if that run split exactly the
	// files requested now. Otherwise rebalancing would emit files the caller
	// never asked for and drop ones it did.
	if !sameFileSet(files, wris) {
		s.logger.Debug("previous run covers a different file set", "jobrun_id", prev.ID)
		return nil, false, nil
	}

	prevBuckets := make([]prevBucket, len(wris))
	for i, wri := range wris {
		prevBuckets[i] = prevBucket{Files: wri.Files, MSTimeTaken: wri.MSTimeTaken}
	}
	return partition(prevBuckets, estimates), true, nil
}

// sameFileSet reports whether the previous run's batches cover exactly the
// requested files.
func sameFileSet(files []string, wris []*model.WorkerRunInfo) bool {
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}
	seen := 0
	for _, wri := range wris {
		for _, f := range wri.Files {
			if f == "" {
				continue
			}
			if !want[f] {
				return false
			}
			want[f] = false
			seen++
		}
	}
	return seen == len(files)
}

type prevBucket struct {
	Files       []string
	MSTimeTaken int64
}

// defaultSplit is a greedy longest-processing-time assignment: files in
// descending estimate order, each into the currently cheapest bucket.
func defaultSplit(files []string, estimates map[string]int64, numBuckets int) [][]string {
	sorted := append([]string(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ei, ej := estimates[sorted[i]], estimates[sorted[j]]
		if ei != ej {
			return ei > ej
		}
		return sorted[i] < sorted[j]
	})

	buckets := make([][]string, numBuckets)
	times := make([]int64, numBuckets)
	for _, f := range sorted {
		min := 0
		for i := 1; i < numBuckets; i++ {
			if times[i] < times[min] {
				min = i
			}
		}
		buckets[min] = append(buckets[min], f)
		times[min] += estimates[f]
	}
	return buckets
}

// partition pairs the previous run's cheapest buckets with its most
// expensive ones and moves one file across each pair to even them out.
// Single-file buckets in the expensive half can't be reduced and pass
// through unchanged.
func partition(prev []prevBucket, estimates map[string]int64) [][]string {
	sort.SliceStable(prev, func(i, j int) bool {
		return prev[i].MSTimeTaken < prev[j].MSTimeTaken
	})

	var out [][]string
	var needs []prevBucket
	mid := (len(prev) - 1) / 2
	for i, b := range prev {
		if i > mid && len(b.Files) == 1 {
			out = append(out, b.Files)
		} else {
			needs = append(needs, b)
		}
	}

	n := len(needs)
	for j := 0; j < n && j <= (n-1)/2; j++ {
		k := n - j - 1
		switch {
		case j == k:
			// Odd count: the middle bucket stays as it is.
			out = append(out, needs[j].Files)
		case len(needs[k].Files) == 1:
			// The expensive side is a single file; nothing to move.
			out = append(out, needs[j].Files, needs[k].Files)
		default:
			small, big := moveSlowest(needs[j].Files, needs[k].Files, estimates)
			out = append(out, small, big)
		}
	}
	return out
}

// moveSlowest moves the most expensive file of big into small.
func moveSlowest(small, big []string, estimates map[string]int64) ([]string, []string) {
	slowest := 0
	for i := 1; i < len(big); i++ {
		if estimates[big[i]] > estimates[big[slowest]] {
			slowest = i
		}
	}

	newSmall := append(append([]string(nil), small...), big[slowest])
	newBig := make([]string, 0, len(big)-1)
	for i, f := range big {
		if i != slowest {
			newBig = append(newBig, f)
		}
	}
	return newSmall, newBig
}
