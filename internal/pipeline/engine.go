package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/governor"
	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

const progressThrottle = 250 * time.Millisecond // 4Hz ceiling

// Engine runs the fixed five-stage graph for one job at a time per call;
// the caller (internal/nodesched) is responsible for never invoking
// RunJob twice concurrently for the same site.
type Engine struct {
	baseDir string
	stages  []stageDef
	cleanup stageDef
}

// NewEngine builds the standard dump_db/copy_files/bundle/upload/cleanup
// graph. baseDir is where per-job temp directories are created; it must
// be on a filesystem with room for one uncompressed site plus its bundle.
func NewEngine(baseDir string) *Engine {
	return &Engine{
		baseDir: baseDir,
		stages: []stageDef{
			{Name: StageDumpDB, Weight: 20, Run: dumpDBStage},
			{Name: StageCopyFiles, Weight: 20, Run: copyFilesStage},
			{Name: StageBundle, Weight: 20, Run: bundleStage},
			{Name: StageUpload, Weight: 30, Run: uploadStage},
		},
		cleanup: stageDef{Name: StageCleanup, Weight: 10, Run: cleanupStage},
	}
}

// RunJob executes one full backup for spec, reporting progress through
// reporter and honouring gov's permits throughout. It always returns a
// terminal ProgressState; err is non-nil only when that state is not
// COMPLETED.
func (e *Engine) RunJob(ctx context.Context, spec SiteSpec, gov *governor.Governor, master MasterClient, reporter ProgressReporter) (types.ProgressState, error) {
	started := time.Now()
	logger := log.WithComponent("pipeline").With().Int64("site_id", spec.SiteID).Str("site_name", spec.SiteName).Logger()

	epoch, err := reporter.StartJob(ctx, spec.SiteID)
	if err != nil {
		return types.ProgressFailed, fmt.Errorf("start job: %w", err)
	}

	tempDir, err := os.MkdirTemp(e.baseDir, fmt.Sprintf("job-%d-*", spec.SiteID))
	if err != nil {
		_ = reporter.ReportTerminal(ctx, spec.SiteID, epoch, types.ProgressFailed, "temp_dir", err.Error(), TerminalResult{})
		return types.ProgressFailed, fmt.Errorf("create temp dir: %w", err)
	}

	jobCtx := newContext(ctx, spec, epoch, gov, master, reporter)
	jobCtx.TempDir = tempDir

	var (
		aborted        bool
		abortReason    string
		failureMessage string
		failureKind    string
		baseline       float64
	)

	for _, sd := range e.stages {
		if jobCtx.cancellationPending() {
			aborted = true
			abortReason = "stopped"
			break
		}

		jobCtx.beginStage(sd.Name, sd.Weight, baseline)
		timer := metrics.NewTimer()
		res := sd.Run(jobCtx)
		timer.ObserveDurationVec(metrics.StageDuration, sd.Name, string(res.Status))

		logger.Info().Str("stage", sd.Name).Str("status", string(res.Status)).Str("message", res.Message).Msg("stage finished")

		baseline += sd.Weight
		_ = jobCtx.ReportStageProgress(1.0, res.Message)

		if res.Status == StageFailed {
			failureMessage = res.Message
			failureKind = classifyFailure(sd.Name)
			break
		}
	}

	jobCtx.beginStage(e.cleanup.Name, e.cleanup.Weight, baseline)
	cleanupTimer := metrics.NewTimer()
	cleanupRes := e.cleanup.Run(jobCtx)
	cleanupTimer.ObserveDurationVec(metrics.StageDuration, e.cleanup.Name, string(cleanupRes.Status))
	if cleanupRes.Status == StageFailed {
		logger.Warn().Str("message", cleanupRes.Message).Msg("cleanup stage failed; job outcome unaffected")
	} else {
		baseline += e.cleanup.Weight
	}
	_ = jobCtx.ReportStageProgress(1.0, cleanupRes.Message)

	switch {
	case aborted:
		_ = reporter.ReportTerminal(ctx, spec.SiteID, epoch, types.ProgressStopped, "", abortReason, TerminalResult{})
		metrics.BackupsTotal.WithLabelValues("stopped").Inc()
		return types.ProgressStopped, fmt.Errorf("job stopped: %s", abortReason)
	case failureMessage != "":
		_ = reporter.ReportTerminal(ctx, spec.SiteID, epoch, types.ProgressFailed, failureKind, failureMessage, TerminalResult{})
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		return types.ProgressFailed, fmt.Errorf("%s: %s", failureKind, failureMessage)
	default:
		var sizeBytes int64
		if jobCtx.ArchivePath != "" {
			if info, statErr := os.Stat(jobCtx.ArchivePath); statErr == nil {
				sizeBytes = info.Size()
				metrics.BackupSizeBytes.Observe(float64(sizeBytes))
			}
		}
		_ = reporter.ReportTerminal(ctx, spec.SiteID, epoch, types.ProgressCompleted, "", "", TerminalResult{ObjectPath: jobCtx.ObjectKey, SizeBytes: sizeBytes})
		metrics.BackupsTotal.WithLabelValues("success").Inc()
		metrics.BackupDuration.Observe(time.Since(started).Seconds())
		return types.ProgressCompleted, nil
	}
}

func classifyFailure(stage string) string {
	switch stage {
	case StageUpload:
		return "upload_failed"
	case StageDumpDB:
		return "dump_failed"
	default:
		return "stage_failed"
	}
}

// SweepAbandonedTempDirs removes job-* working directories under baseDir
// older than olderThan, left behind by a process that crashed mid-job.
// It returns the number removed.
func (e *Engine) SweepAbandonedTempDirs(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(e.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.baseDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
