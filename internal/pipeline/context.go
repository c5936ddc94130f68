package pipeline

import (
	"context"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/governor"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// SiteSpec is the subset of a Site's and its Node's identity a job needs;
// the daemon assembles it from its local scheduler state before calling
// RunJob.
type SiteSpec struct {
	SiteID            int64
	SiteUUID          string
	SiteName          string
	NodeUUID          string
	Timezone          string
	WPConfigPath      string
	WPContentPath     string
	DBHost            string
	DBName            string
	DBUser            string
	DBPassword        string
	StorageProviderID int64
	EstimatedBytes    int64 // last successful backup size, or a caller-supplied default
}

// StorageCredentials are the plaintext access/secret key pair fetched
// per-upload from Master's /nodes/storage-config. They are
// never written to disk and are dropped once the upload stage returns.
type StorageCredentials struct {
	Type      types.StorageProviderType
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// MasterClient is everything a job needs from the Node's connection to
// Master besides progress reporting (see ProgressReporter below).
// internal/daemonclient provides the HTTP-backed implementation.
type MasterClient interface {
	RequirePreflight(ctx context.Context, siteID int64, estimatedBytes int64) error
	FetchStorageCredentials(ctx context.Context, siteID int64) (StorageCredentials, error)
}

// ProgressUpdate is one in-flight progress observation; Stage and
// ProgressPercent are required, the rest are best-effort detail.
type ProgressUpdate struct {
	Stage           string
	ProgressPercent float64
	Message         string
	BytesProcessed  int64
	BytesTotal      int64
}

// ProgressReporter carries progress rows from the engine to Master's
// authoritative progress.Store. ReportProgress's return
// value is how the Node learns of a cancellation request: Master answers
// every report with whether the row's CancellationRequested flag is set,
// so a separate poll is never needed at a stage boundary.
type ProgressReporter interface {
	StartJob(ctx context.Context, siteID int64) (epoch int64, err error)
	ReportProgress(ctx context.Context, siteID, epoch int64, update ProgressUpdate) (cancelRequested bool, err error)
	ReportTerminal(ctx context.Context, siteID, epoch int64, state types.ProgressState, errorKind, errorMessage string, result TerminalResult) error
}

// TerminalResult carries the bundle's object key and size for a COMPLETED
// report, the only fields Master needs to finalize the backup row and
// accounting that StartJob/ReportProgress never had occasion to send. Left
// zero-valued on every other terminal state.
type TerminalResult struct {
	ObjectPath string
	SizeBytes  int64
}

// Context is the per-job working state threaded through every stage. It
// is only ever touched by the single goroutine running the job, so it
// carries no lock of its own.
type Context struct {
	context.Context

	Spec  SiteSpec
	Epoch int64

	TempDir     string // working directory for this job, removed by cleanup
	ArchivePath string // set by bundle once the tar.zst exists
	ObjectKey   string // set by upload once the object exists in the bucket

	Governor *governor.Governor
	Master   MasterClient
	Progress ProgressReporter

	// Scratch carries small values between stages that don't warrant a
	// dedicated field (e.g. bundle's computed content-type).
	Scratch map[string]string

	stageName      string
	stageWeight    float64
	baseline       float64
	lastPublish    time.Time
	cancelRequested bool
}

func newContext(parent context.Context, spec SiteSpec, epoch int64, gov *governor.Governor, master MasterClient, reporter ProgressReporter) *Context {
	return &Context{
		Context:  parent,
		Spec:     spec,
		Epoch:    epoch,
		Governor: gov,
		Master:   master,
		Progress: reporter,
		Scratch:  make(map[string]string),
	}
}
