package training

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimingsMeasureRecordsSample(t *testing.T) {
	tm := NewTimings()

	err := tm.Measure("forward", func() error { return nil })
	require.NoError(t, err)
	err = tm.Measure("forward", func() error { return nil })
	require.NoError(t, err)

	samples := tm.AsMap()
	assert.Len(t, samples["forward"], 2)
}

func TestTimingsMeasureDiscardsSampleOnError(t *testing.T) {
	tm := NewTimings()
	boom := errors.New("boom")

	err := tm.Measure("backward", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tm.AsMap()["backward"])
}

func TestTimingsMeans(t *testing.T) {
	tm := NewTimings()
	tm.Add("fetch", 100*time.Millisecond)
	tm.Add("fetch", 300*time.Millisecond)
	tm.Add("optimizer", 50*time.Millisecond)

	means := tm.Means()
	assert.InDelta(t, 0.2, means["fetch"], 1e-9)
	assert.InDelta(t, 0.05, means["optimizer"], 1e-9)
}

func TestTimingsReset(t *testing.T) {
	tm := NewTimings()
	tm.Add("fetch", time.Second)
	tm.Reset()
	assert.Empty(t, tm.AsMap())
	assert.Empty(t, tm.Means())
}

func TestTimingsOverlappingNamesAppend(t *testing.T) {
	tm := NewTimings()
	err := tm.Measure("scope", func() error {
		return tm.Measure("scope", func() error { return nil })
	})
	require.NoError(t, err)
	assert.Len(t, tm.AsMap()["scope"], 2)
}
