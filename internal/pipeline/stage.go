package pipeline

import "time"

// StageStatus is a stage's own outcome, independent of the job's overall
// terminal state.
type StageStatus string

const (
	StageOK      StageStatus = "OK"
	StageFailed  StageStatus = "FAILED"
	StageSkipped StageStatus = "SKIPPED"
)

// StageResult is what a Stage function returns; Details is free-form and
// only used for the activity log / troubleshooting, never parsed.
type StageResult struct {
	Status   StageStatus
	Message  string
	Details  map[string]string
	Duration time.Duration
}

func ok(msg string) StageResult     { return StageResult{Status: StageOK, Message: msg} }
func skipped(msg string) StageResult { return StageResult{Status: StageSkipped, Message: msg} }
func failed(msg string) StageResult { return StageResult{Status: StageFailed, Message: msg} }

// Stage is one step of the pipeline. It must return promptly on ctx
// cancellation; the engine does not force-kill a stuck stage.
type Stage func(ctx *Context) StageResult

// stageDef names a stage and the fixed weight it contributes toward the
// job's overall progress percentage (weights sum to 100).
type stageDef struct {
	Name   string
	Weight float64
	Run    Stage
}

// Stage name constants, used by callers reporting or querying per-stage
// detail (e.g. the activity log, crash-recovery messages).
const (
	StageDumpDB     = "dump_db"
	StageCopyFiles  = "copy_files"
	StageBundle     = "bundle"
	StageUpload     = "upload"
	StageCleanup    = "cleanup"
)
