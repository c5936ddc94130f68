package pipeline

import (
	"fmt"
	"os"
)

// cleanupStage removes TempDir unconditionally; it runs after every job
// regardless of how the preceding stages finished (OK, FAILED, or
// cancelled), and a failure here never overrides the job's own outcome —
// the engine only logs it.
func cleanupStage(ctx *Context) StageResult {
	if ctx.TempDir == "" {
		return skipped("no temp directory to remove")
	}
	if err := os.RemoveAll(ctx.TempDir); err != nil {
		return failed(fmt.Sprintf("remove temp dir: %v", err))
	}
	return ok("temp directory removed")
}
