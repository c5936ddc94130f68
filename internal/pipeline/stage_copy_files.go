package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// excludedPrefixes are wp-content subpaths that never belong in a
// backup: caches regenerate on first request and .git/node_modules are
// never part of a WordPress deploy's actual content.
var excludedPrefixes = []string{
	"cache/",
	"w3tc-config/",
	"uploads/cache/",
	"node_modules/",
	".git/",
}

const excludedDebugLog = "debug.log"

func isExcluded(relPath string) bool {
	slash := filepath.ToSlash(relPath)
	if slash == excludedDebugLog || strings.HasSuffix(slash, "/"+excludedDebugLog) {
		return true
	}
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(slash, prefix) || strings.Contains(slash, "/"+prefix) {
			return true
		}
	}
	return false
}

// copyFilesStage mirrors Spec.WPContentPath into temp/wp-content,
// skipping cache and VCS directories, streaming each file through a
// fixed-size buffer under the governor's I/O permit.
func copyFilesStage(ctx *Context) StageResult {
	if ctx.Spec.WPContentPath == "" {
		return failed("wp-content path not configured")
	}

	if err := ctx.Governor.AcquireIO(ctx); err != nil {
		return failed(fmt.Sprintf("acquire io permit: %v", err))
	}
	defer ctx.Governor.ReleaseIO()

	dest := filepath.Join(ctx.TempDir, "wp-content")

	var totalBytes int64
	err := filepath.Walk(ctx.Spec.WPContentPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(ctx.Spec.WPContentPath, path)
		if relErr != nil {
			return relErr
		}
		if isExcluded(rel) {
			return nil
		}
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return failed(fmt.Sprintf("walk wp-content: %v", err))
	}

	var copiedBytes int64
	buf := make([]byte, 1<<20)

	err = filepath.Walk(ctx.Spec.WPContentPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.CancellationRequested() {
			return errStageCancelled{}
		}

		rel, relErr := filepath.Rel(ctx.Spec.WPContentPath, path)
		if relErr != nil {
			return relErr
		}
		if isExcluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, 0o750)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := io.CopyBuffer(out, src, buf)
		if err != nil {
			return err
		}
		copiedBytes += n
		return ctx.ReportBytes(copiedBytes, totalBytes, fmt.Sprintf("copying %s", rel))
	})

	if _, isCancel := err.(errStageCancelled); isCancel {
		return StageResult{Status: StageFailed, Message: "stopped"}
	}
	if err != nil {
		return failed(fmt.Sprintf("copy wp-content: %v", err))
	}

	return ok(fmt.Sprintf("copied %d bytes", copiedBytes))
}

type errStageCancelled struct{}

func (errStageCancelled) Error() string { return "cancelled" }
