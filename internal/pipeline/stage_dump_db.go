package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// dumpDBTimeout bounds one mysqldump invocation.
const dumpDBTimeout = time.Hour

const databaseDumpFilename = "database.sql"

// dumpDBStage invokes mysqldump in add-drop-table, single-transaction
// mode, writing the result to temp/database.sql.
func dumpDBStage(ctx *Context) StageResult {
	if ctx.Spec.DBHost == "" || ctx.Spec.DBName == "" || ctx.Spec.DBUser == "" {
		return failed("database credentials unresolved")
	}

	if err := ctx.Governor.AcquireIO(ctx); err != nil {
		return failed(fmt.Sprintf("acquire io permit: %v", err))
	}
	defer ctx.Governor.ReleaseIO()

	dumpCtx, cancel := context.WithTimeout(ctx, dumpDBTimeout)
	defer cancel()

	dest := filepath.Join(ctx.TempDir, databaseDumpFilename)
	out, err := os.Create(dest)
	if err != nil {
		return failed(fmt.Sprintf("create dump file: %v", err))
	}
	defer out.Close()

	cmd := exec.CommandContext(dumpCtx, "mysqldump",
		"--single-transaction",
		"--add-drop-table",
		"--no-tablespaces",
		"-h", ctx.Spec.DBHost,
		"-u", ctx.Spec.DBUser,
		fmt.Sprintf("-p%s", ctx.Spec.DBPassword),
		ctx.Spec.DBName,
	)
	cmd.Stdout = out
	var stderr []byte
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return failed(fmt.Sprintf("attach stderr: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return failed(fmt.Sprintf("start mysqldump: %v", err))
	}
	stderr, _ = readAllLimited(errPipe, 4096)

	_ = ctx.ReportStageProgress(0.5, "dump in progress")

	if err := cmd.Wait(); err != nil {
		if dumpCtx.Err() == context.DeadlineExceeded {
			return failed("mysqldump timed out")
		}
		return failed(fmt.Sprintf("mysqldump exited: %v: %s", err, string(stderr)))
	}

	info, err := os.Stat(dest)
	if err != nil {
		return failed(fmt.Sprintf("stat dump file: %v", err))
	}
	ctx.Scratch["db_dump_bytes"] = fmt.Sprintf("%d", info.Size())

	return ok(fmt.Sprintf("dumped %d bytes", info.Size()))
}
