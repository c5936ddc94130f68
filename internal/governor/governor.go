// Package governor bounds a Node's concurrent resource usage across every
// site it is backing up at once: fixed-size I/O, network, and CPU permit
// pools (so one slow stage on one site cannot starve another), plus an
// upload bandwidth token bucket shared by every in-flight upload stage.
// Permit pools are buffered channel-of-struct{} semaphores; the
// bandwidth limiter wraps golang.org/x/time/rate, re-purposed from
// requests-per-second to bytes-per-second.
package governor

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/kestrelhq/fleetbackup/internal/metrics"
)

// Slot names used as the "slot" label on metrics.GovernorPermitWait.
const (
	SlotIO      = "io"
	SlotNetwork = "network"
	SlotCPU     = "cpu"
)

// permitPool is a fixed-size semaphore implemented as a buffered channel.
type permitPool struct {
	slot string
	ch   chan struct{}
}

func newPermitPool(slot string, size int) *permitPool {
	if size <= 0 {
		size = 1
	}
	return &permitPool{slot: slot, ch: make(chan struct{}, size)}
}

// Acquire blocks until a permit is free or ctx is done.
func (p *permitPool) Acquire(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GovernorPermitWait, p.slot)

	select {
	case p.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool.
func (p *permitPool) Release() {
	select {
	case <-p.ch:
	default:
	}
}

// Governor owns a Node's three permit pools and its upload bandwidth
// limiter. One Governor is shared by every concurrently running site
// pipeline on a Node.
type Governor struct {
	io      *permitPool
	network *permitPool
	cpu     *permitPool
	uploadLimiter *rate.Limiter // nil means unlimited
}

// Config sizes the three permit pools and the upload bandwidth cap.
type Config struct {
	IOPermits          int
	NetworkPermits     int
	CPUPermits         int
	UploadBandwidthBps int64 // 0 = unlimited
}

// New builds a Governor from Config.
func New(cfg Config) *Governor {
	g := &Governor{
		io:      newPermitPool(SlotIO, cfg.IOPermits),
		network: newPermitPool(SlotNetwork, cfg.NetworkPermits),
		cpu:     newPermitPool(SlotCPU, cfg.CPUPermits),
	}
	if cfg.UploadBandwidthBps > 0 {
		// Burst equals one second's worth of bytes; generous enough for
		// the multipart chunk sizes internal/objectstore uses without
		// starving other concurrent uploads.
		g.uploadLimiter = rate.NewLimiter(rate.Limit(cfg.UploadBandwidthBps), int(cfg.UploadBandwidthBps))
	}
	return g
}

// AcquireIO blocks for a free I/O permit (dump_db, copy_files stages).
func (g *Governor) AcquireIO(ctx context.Context) error { return g.io.Acquire(ctx) }

// ReleaseIO returns an I/O permit.
func (g *Governor) ReleaseIO() { g.io.Release() }

// AcquireNetwork blocks for a free network permit (upload stage).
func (g *Governor) AcquireNetwork(ctx context.Context) error { return g.network.Acquire(ctx) }

// ReleaseNetwork returns a network permit.
func (g *Governor) ReleaseNetwork() { g.network.Release() }

// AcquireCPU blocks for a free CPU permit (bundle stage's compression).
func (g *Governor) AcquireCPU(ctx context.Context) error { return g.cpu.Acquire(ctx) }

// ReleaseCPU returns a CPU permit.
func (g *Governor) ReleaseCPU() { g.cpu.Release() }

// WaitForBytes blocks until n bytes' worth of upload bandwidth is
// available, or ctx is done. A zero-value limiter (unlimited bandwidth)
// returns immediately.
func (g *Governor) WaitForBytes(ctx context.Context, n int) error {
	if g.uploadLimiter == nil {
		return nil
	}
	return g.uploadLimiter.WaitN(ctx, n)
}

// SetUploadBandwidth changes the bandwidth cap at runtime, e.g. when a
// site's settings override changes mid-run. A non-positive value disables
// the limiter (unlimited).
func (g *Governor) SetUploadBandwidth(bps int64) {
	if bps <= 0 {
		g.uploadLimiter = nil
		return
	}
	g.uploadLimiter = rate.NewLimiter(rate.Limit(bps), int(bps))
}
