package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kestrelhq/fleetbackup/internal/objectstore"
)

// uploadStage pre-flights the archive size against Master's quota
// projection, fetches plaintext storage credentials scoped to this one
// upload, and multipart-puts the bundle to {node_uuid}/{site_uuid}/{filename}.
// The directory part of the key is built from opaque ids only; the filename
// is the bundle's own name, which begins with the sanitized site name.
func uploadStage(ctx *Context) StageResult {
	if ctx.ArchivePath == "" {
		return failed("no archive produced by bundle stage")
	}

	info, err := os.Stat(ctx.ArchivePath)
	if err != nil {
		return failed(fmt.Sprintf("stat archive: %v", err))
	}

	if err := ctx.Master.RequirePreflight(ctx, ctx.Spec.SiteID, info.Size()); err != nil {
		return failed(fmt.Sprintf("quota preflight: %v", err))
	}

	creds, err := ctx.Master.FetchStorageCredentials(ctx, ctx.Spec.SiteID)
	if err != nil {
		return failed(fmt.Sprintf("fetch storage credentials: %v", err))
	}

	uploader, err := objectstore.NewUploader(creds.Endpoint, creds.Region, creds.Bucket, creds.AccessKey, creds.SecretKey)
	if err != nil {
		return failed(fmt.Sprintf("construct storage client: %v", err))
	}

	if err := ctx.Governor.AcquireNetwork(ctx); err != nil {
		return failed(fmt.Sprintf("acquire network permit: %v", err))
	}
	defer ctx.Governor.ReleaseNetwork()

	f, err := os.Open(ctx.ArchivePath)
	if err != nil {
		return failed(fmt.Sprintf("open archive: %v", err))
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s/%s", ctx.Spec.NodeUUID, ctx.Spec.SiteUUID, filepath.Base(ctx.ArchivePath))

	reader := &governedReader{ctx: ctx, r: f, total: info.Size()}
	if err := uploader.Upload(ctx, key, reader, info.Size(), "application/zstd"); err != nil {
		return failed(fmt.Sprintf("upload: %v", err))
	}

	ctx.ObjectKey = key
	return ok(fmt.Sprintf("uploaded %d bytes to %s", info.Size(), key))
}

// governedReader wraps the archive file, applying the governor's
// bandwidth token bucket per chunk and checking for a cancellation
// request between reads, the closest approximation to a cancellation
// checkpoint before each multipart part given minio-go's own multipart
// chunking is opaque to this package.
type governedReader struct {
	ctx       *Context
	r         io.Reader
	total     int64
	processed int64
}

func (g *governedReader) Read(p []byte) (int, error) {
	if g.ctx.CancellationRequested() {
		return 0, fmt.Errorf("upload stopped")
	}
	n, err := g.r.Read(p)
	if n > 0 {
		if waitErr := g.ctx.Governor.WaitForBytes(g.ctx, n); waitErr != nil {
			return n, waitErr
		}
		g.processed += int64(n)
		_ = g.ctx.ReportBytes(g.processed, g.total, "uploading")
	}
	return n, err
}
