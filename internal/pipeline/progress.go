package pipeline

import "time"

// beginStage is called by the engine immediately before running a stage;
// it is not exported because only the engine should move the baseline
// forward.
func (c *Context) beginStage(name string, weight, baseline float64) {
	c.stageName = name
	c.stageWeight = weight
	c.baseline = baseline
	c.lastPublish = time.Time{}
}

// ReportStageProgress publishes the job's overall progress percentage,
// computed from the weight of already-finished stages plus this stage's
// own fraction-complete. Calls are throttled to 4Hz;
// fraction 1.0 (stage completion) always publishes regardless of
// throttle so the final state of a stage is never dropped.
func (c *Context) ReportStageProgress(fraction float64, message string) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	now := time.Now()
	if fraction < 1 && now.Sub(c.lastPublish) < progressThrottle {
		return nil
	}
	c.lastPublish = now

	percent := c.baseline + c.stageWeight*fraction
	cancelRequested, err := c.Progress.ReportProgress(c, c.Spec.SiteID, c.Epoch, ProgressUpdate{
		Stage:           c.stageName,
		ProgressPercent: percent,
		Message:         message,
	})
	if err != nil {
		return err
	}
	if cancelRequested {
		c.cancelRequested = true
	}
	return nil
}

// ReportBytes is a convenience wrapper for stages that track a
// byte-count fraction (copy_files, upload).
func (c *Context) ReportBytes(processed, total int64, message string) error {
	var fraction float64
	if total > 0 {
		fraction = float64(processed) / float64(total)
	}
	return c.ReportStageProgress(fraction, message)
}

// cancellationPending reports whether either the parent context was
// cancelled or a prior progress report learned Master wants this job
// stopped.
func (c *Context) cancellationPending() bool {
	if c.cancelRequested {
		return true
	}
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// CancellationRequested exposes cancellationPending to stage
// implementations that need to check between sub-steps (e.g. upload's
// multipart loop).
func (c *Context) CancellationRequested() bool {
	return c.cancellationPending()
}
