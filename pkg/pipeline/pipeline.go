// Package pipeline runs the download-and-normalize batch: a bounded worker
// pool processes catalog cases independently, so one restricted or corrupt
// case never aborts the run, and every output is written atomically.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/UMEssen/saros-dataset/internal/models"
	"github.com/UMEssen/saros-dataset/pkg/assemble"
	"github.com/UMEssen/saros-dataset/pkg/casedir"
	"github.com/UMEssen/saros-dataset/pkg/resample"
)

// Params configures one pipeline invocation. All shared state (source,
// writer, logger) is scoped to this struct rather than the process.
type Params struct {
	// Records are the catalog cases to process, read-only.
	Records []models.CaseRecord

	// Source fetches and assembles series volumes.
	Source VolumeSource

	// Writer materializes case directories.
	Writer *casedir.Writer

	// ParallelDownloads bounds the worker pool. Defaults to 2; keep it low
	// to respect the archive servers.
	ParallelDownloads int

	// SliceThickness is the target z spacing in mm for image and label
	// volumes. Zero disables resampling.
	SliceThickness float64

	// IgnoreValue rewrites label slices outside a case's annotated range.
	// Negative leaves unannotated slices as background.
	IgnoreValue int

	Logger *zap.Logger
}

// CaseFailure records one failed case.
type CaseFailure struct {
	CaseID string
	Err    error
}

// Summary is the outcome of a run.
type Summary struct {
	Completed int
	Skipped   int
	Failed    []CaseFailure

	// MeanCaseSeconds is the average wall time of completed cases.
	MeanCaseSeconds float64
}

// Runner executes the pipeline.
type Runner struct {
	params Params
	log    *zap.Logger
}

// NewRunner builds a runner from params.
func NewRunner(params Params) *Runner {
	if params.ParallelDownloads < 1 {
		params.ParallelDownloads = 2
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{params: params, log: log}
}

// Run processes every catalog case. Context cancellation stops scheduling
// new cases; cases already in flight finish or abort on their own, and
// atomic writes guarantee none of them leaves a half-written artifact.
// The returned summary is valid even when err is non-nil.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	var (
		mu        sync.Mutex
		summary   Summary
		durations []float64
	)

	sem := make(chan struct{}, r.params.ParallelDownloads)
	var wg sync.WaitGroup

	for _, rec := range r.params.Records {
		if ctx.Err() != nil {
			r.log.Warn("interrupted, not scheduling remaining cases")
			break
		}

		wg.Add(1)
		go func(rec models.CaseRecord) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			start := time.Now()
			skipped, err := r.handleCase(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed = append(summary.Failed, CaseFailure{CaseID: rec.ID, Err: err})
				r.log.Error("case failed",
					zap.String("case", rec.ID),
					zap.Error(err))
			case skipped:
				summary.Skipped++
				r.log.Debug("case already complete", zap.String("case", rec.ID))
			default:
				summary.Completed++
				durations = append(durations, time.Since(start).Seconds())
				r.log.Info("case complete",
					zap.String("case", rec.ID),
					zap.Duration("took", time.Since(start)))
			}
		}(rec)
	}
	wg.Wait()

	if len(durations) > 0 {
		summary.MeanCaseSeconds = stat.Mean(durations, nil)
	}
	r.log.Info("run finished",
		zap.Int("completed", summary.Completed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", len(summary.Failed)))
	for _, f := range summary.Failed {
		r.log.Warn("failed case", zap.String("case", f.CaseID), zap.Error(f.Err))
	}

	return &summary, ctx.Err()
}

// handleCase downloads, assembles, checks, resamples, and writes one case.
func (r *Runner) handleCase(ctx context.Context, rec models.CaseRecord) (skipped bool, err error) {
	if r.params.Writer.ShouldSkip(rec.ID) {
		return true, nil
	}

	workDir, err := os.MkdirTemp("", "saros-"+rec.ID+"-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(workDir)

	image, err := r.fetch(ctx, rec.CTSeriesUID, workDir, "ct", models.Intensity)
	if err != nil {
		return false, fmt.Errorf("ct series: %w", err)
	}
	regions, err := r.fetch(ctx, rec.RegionsSeriesUID, workDir, "regions", models.Label)
	if err != nil {
		return false, fmt.Errorf("body-regions series: %w", err)
	}
	parts, err := r.fetch(ctx, rec.PartsSeriesUID, workDir, "parts", models.Label)
	if err != nil {
		return false, fmt.Errorf("body-parts series: %w", err)
	}

	// The dataset's sanity check: segmentations were exported on the CT
	// grid, anything else means a corrupt archive entry.
	if err := assemble.CheckAligned(image.Volume, regions.Volume); err != nil {
		return false, fmt.Errorf("body-regions: %w", err)
	}
	if err := assemble.CheckAligned(image.Volume, parts.Volume); err != nil {
		return false, fmt.Errorf("body-parts: %w", err)
	}

	w := r.params.Writer
	if w.SaveOriginalImage {
		if err := w.WriteVolume(rec.ID, casedir.OriginalImageFile, image.Volume); err != nil {
			return false, err
		}
	}
	if w.SaveMetaDicoms {
		if err := w.KeepMetaDicoms(rec.ID, image.FirstFile, image.LastFile); err != nil {
			return false, err
		}
	}
	if w.SaveDicoms {
		if err := w.KeepDicoms(rec.ID, image.Files); err != nil {
			return false, err
		}
	}

	imageVol, regionsVol, partsVol := image.Volume, regions.Volume, parts.Volume
	if t := r.params.SliceThickness; t > 0 {
		if imageVol, err = resample.ToThickness(imageVol, t); err != nil {
			return false, err
		}
		if regionsVol, err = resample.ToThickness(regionsVol, t); err != nil {
			return false, err
		}
		if partsVol, err = resample.ToThickness(partsVol, t); err != nil {
			return false, err
		}
	}

	if r.params.IgnoreValue >= 0 && !rec.FullyAnnotated() {
		resample.ApplyIgnoreRange(regionsVol, rec.AnnotatedStart, rec.AnnotatedEnd, r.params.IgnoreValue)
		resample.ApplyIgnoreRange(partsVol, rec.AnnotatedStart, rec.AnnotatedEnd, r.params.IgnoreValue)
	}

	if err := w.WriteVolume(rec.ID, casedir.ImageFile, imageVol); err != nil {
		return false, err
	}
	if err := w.WriteVolume(rec.ID, casedir.RegionsFile, regionsVol); err != nil {
		return false, err
	}
	if err := w.WriteVolume(rec.ID, casedir.PartsFile, partsVol); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Runner) fetch(ctx context.Context, seriesUID, workDir, sub string, kind models.VolumeKind) (*FetchedSeries, error) {
	dir, err := os.MkdirTemp(workDir, sub+"-*")
	if err != nil {
		return nil, err
	}
	return r.params.Source.Fetch(ctx, seriesUID, dir, kind)
}
