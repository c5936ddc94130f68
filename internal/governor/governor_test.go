package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseIORoundTrip(t *testing.T) {
	g := New(Config{IOPermits: 1})
	require.NoError(t, g.AcquireIO(context.Background()))
	g.ReleaseIO()
	require.NoError(t, g.AcquireIO(context.Background()))
}

func TestAcquireIOBlocksWhenPoolExhausted(t *testing.T) {
	g := New(Config{IOPermits: 1})
	require.NoError(t, g.AcquireIO(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.AcquireIO(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseFreesPendingAcquirer(t *testing.T) {
	g := New(Config{NetworkPermits: 1})
	require.NoError(t, g.AcquireNetwork(context.Background()))

	acquired := make(chan struct{})
	go func() {
		_ = g.AcquireNetwork(context.Background())
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	g.ReleaseNetwork()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected second acquirer to proceed after release")
	}
}

func TestWaitForBytesUnlimitedByDefault(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.WaitForBytes(context.Background(), 1<<30))
}

func TestWaitForBytesRespectsBandwidthCap(t *testing.T) {
	g := New(Config{UploadBandwidthBps: 1024})
	start := time.Now()
	require.NoError(t, g.WaitForBytes(context.Background(), 1024)) // burst, immediate
	require.NoError(t, g.WaitForBytes(context.Background(), 1024)) // must wait ~1s
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestSetUploadBandwidthDisablesLimiter(t *testing.T) {
	g := New(Config{UploadBandwidthBps: 1})
	g.SetUploadBandwidth(0)
	require.NoError(t, g.WaitForBytes(context.Background(), 1<<30))
}

func TestNewDefaultsZeroPermitsToOne(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.AcquireCPU(context.Background()))
	g.ReleaseCPU()
}
