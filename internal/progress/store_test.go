package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

func TestStartEpochIncrements(t *testing.T) {
	s := NewStore()
	e1 := s.StartEpoch(1, 1)
	e2 := s.StartEpoch(1, 1)
	assert.Equal(t, int64(1), e1)
	assert.Equal(t, int64(2), e2)
}

func TestUpdateRejectsStaleEpoch(t *testing.T) {
	s := NewStore()
	epoch := s.StartEpoch(1, 1)

	_, ok := s.Update(1, epoch-1, func(r *types.ProgressRow) { r.Stage = "dump_db" })
	assert.False(t, ok, "a stale epoch must not be applied")

	row, ok := s.Update(1, epoch, func(r *types.ProgressRow) { r.Stage = "dump_db" })
	require.True(t, ok)
	assert.Equal(t, "dump_db", row.Stage)
}

func TestUpdateFromSupersededJobIsDropped(t *testing.T) {
	s := NewStore()
	oldEpoch := s.StartEpoch(1, 1)
	newEpoch := s.StartEpoch(1, 1) // site restarted, new job superseded the old one

	_, ok := s.Update(1, oldEpoch, func(r *types.ProgressRow) { r.Stage = "zombie-write" })
	assert.False(t, ok)

	row, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, newEpoch, row.Epoch)
	assert.Empty(t, row.Stage)
}

func TestRequestCancellationOnTerminalRowFails(t *testing.T) {
	s := NewStore()
	epoch := s.StartEpoch(1, 1)
	s.Update(1, epoch, func(r *types.ProgressRow) { r.State = types.ProgressCompleted })

	ok := s.RequestCancellation(1)
	assert.False(t, ok)
}

func TestIsCancellationRequestedRespectsEpoch(t *testing.T) {
	s := NewStore()
	epoch := s.StartEpoch(1, 1)
	require.True(t, s.RequestCancellation(1))

	assert.True(t, s.IsCancellationRequested(1, epoch))
	assert.False(t, s.IsCancellationRequested(1, epoch+1))
}

func TestForceIdleBumpsEpochAndDropsZombieWrites(t *testing.T) {
	s := NewStore()
	staleEpoch := s.StartEpoch(1, 1)

	row := s.ForceIdle(1)
	assert.Equal(t, types.ProgressIdle, row.State)
	assert.Greater(t, row.Epoch, staleEpoch)

	_, ok := s.Update(1, staleEpoch, func(r *types.ProgressRow) { r.Stage = "zombie-write" })
	assert.False(t, ok, "a report under the pre-reset epoch must still be dropped")
}
