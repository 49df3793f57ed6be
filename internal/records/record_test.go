package records

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

func TestRecordTransition_HappyPath(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New("id-1", "downloads/a.pdf", "1.0", t0, t0)

	steps := []State{StateDownloading, StateDownloaded, StateProcessing, StateUploading, StateCompleted}
	for i, s := range steps {
		require.NoError(t, r.Transition(s, t0.Add(time.Duration(i+1)*time.Second)))
		assert.Equal(t, s, r.State)
	}

	require.NotNil(t, r.DownloadStartedAt)
	require.NotNil(t, r.DownloadCompletedAt)
	require.NotNil(t, r.ProcessingStartedAt)
	require.NotNil(t, r.ProcessingCompletedAt)
	assert.True(t, r.DownloadStartedAt.Before(*r.ProcessingCompletedAt))
	assert.True(t, r.State.Terminal())
}

func TestRecordTransition_Rejected(t *testing.T) {
	now := time.Now()
	r := New("id-1", "downloads/a.pdf", "1.0", now, now)

	err := r.Transition(StateUploading, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))
	assert.Equal(t, StateQueued, r.State)

	// queued records cannot fail; only in-flight stages can
	assert.Error(t, r.Fail("boom", now))
}

func TestRecordFail(t *testing.T) {
	now := time.Now()
	r := New("id-1", "downloads/a.pdf", "1.0", now, now)
	require.NoError(t, r.Transition(StateDownloading, now))
	require.NoError(t, r.Fail("download_failed: not_found", now))

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, "download_failed: not_found", r.ErrorDetail)
}

func TestRecordMarkDuplicate(t *testing.T) {
	now := time.Now()
	r := New("loser", "downloads/a.pdf", "1.0", now, now)
	require.NoError(t, r.MarkDuplicate("winner", now))

	assert.Equal(t, StateDuplicate, r.State)
	assert.Contains(t, r.ErrorDetail, "winner")
}

func TestRecordReset(t *testing.T) {
	now := time.Now()
	r := New("id-1", "downloads/a.pdf", "1.0", now, now)

	t.Run("in-flight record is rejected", func(t *testing.T) {
		err := r.Reset(now, now)
		assert.True(t, errors.Is(err, pipeline.ErrDuplicateInFlight))
	})

	require.NoError(t, r.Transition(StateDownloading, now))
	r.RunID = "run-1"
	require.NoError(t, r.Fail("conversion_failed: status 500", now))

	later := now.Add(time.Hour)
	require.NoError(t, r.Reset(later, later))
	assert.Equal(t, StateQueued, r.State)
	assert.Empty(t, r.ErrorDetail)
	assert.Empty(t, r.OutputKey)
	assert.Empty(t, r.RunID)
	assert.Nil(t, r.DownloadStartedAt)
	assert.Equal(t, Normalize(later), r.SourceModifiedAt)
}

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	aware := time.Date(2024, 3, 1, 17, 0, 0, 123456789, loc)
	utc := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)

	assert.True(t, Normalize(aware).Equal(utc))
	assert.Equal(t, time.UTC, Normalize(aware).Location())
	assert.True(t, Normalize(time.Time{}).IsZero())
}

func TestIDs(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, err := NewID()
	require.NoError(t, err)
	require.NoError(t, ValidateID(id))

	ts, ok := IDTime(id)
	require.True(t, ok)
	assert.True(t, ts.After(before))

	_, ok = IDTime("not-a-uuid")
	assert.False(t, ok)

	err = ValidateID("nope")
	assert.True(t, errors.Is(err, pipeline.ErrValidation))

	assert.Equal(t, id+".md", OutputName(id))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateQueued.Valid())
	assert.False(t, State("paused").Valid())
	for _, s := range TerminalStates {
		assert.True(t, s.Terminal())
	}
	assert.False(t, StateUploading.Terminal())
	assert.True(t, CanTransition(StateQueued, StateDuplicate))
	assert.False(t, CanTransition(StateCompleted, StateQueued))
}
