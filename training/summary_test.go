package training

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainset/trainloop/tensor"
)

func TestEmptySummaryIsAllEmpty(t *testing.T) {
	s := EmptySummary()
	assert.True(t, s.Empty())
	assert.Empty(t, s.Losses())
	assert.Empty(t, s.Scalars())
	assert.Empty(t, s.Histograms())
}

func TestSummaryElementWeightedMeans(t *testing.T) {
	s := EmptySummary()
	// One batch of 3 elements averaging 2.0, one single element at 8.0.
	s.AddLoss("mse", 2.0, 3)
	s.AddLoss("mse", 8.0, 1)

	means := s.Losses()
	assert.InDelta(t, (2.0*3+8.0)/4.0, means["mse"], 1e-12)
}

func TestSummaryAddReview(t *testing.T) {
	s := EmptySummary()
	review := &Review{
		Losses:     map[string]*tensor.Tensor{"mse": tensor.Scalar(1.5)},
		Scalars:    map[string]float64{"accuracy": 0.75},
		Histograms: map[string][]float64{"grad_norm_": {0.3, 0.4}},
		BatchSize:  2,
	}
	s.AddReview(review)

	assert.False(t, s.Empty())
	assert.InDelta(t, 1.5, s.Losses()["mse"], 1e-6)
	assert.InDelta(t, 0.75, s.Scalars()["accuracy"], 1e-12)
	assert.Equal(t, []float64{0.3, 0.4}, s.Histograms()["grad_norm_"])
}

func TestSummaryFlatten(t *testing.T) {
	s := EmptySummary()
	s.AddScalar("lr", 0.01, 1)
	s.SetTimings(map[string]float64{"forward": 0.002})

	rec := s.Flatten("train", 42, 3)
	assert.Equal(t, "train", rec.Prefix)
	assert.Equal(t, 42, rec.Iteration)
	assert.Equal(t, 3, rec.Epoch)
	assert.InDelta(t, 0.01, rec.Scalars["lr"], 1e-12)
	assert.InDelta(t, 0.002, rec.Timings["forward"], 1e-12)
}

func TestJSONLWriterAppendsRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := NewJSONLWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Write(&Record{Prefix: "train", Iteration: 1}))
	require.NoError(t, w.Write(&Record{Prefix: "validation", Iteration: 2}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "summaries.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "train", recs[0].Prefix)
	assert.Equal(t, "validation", recs[1].Prefix)
	assert.Equal(t, 2, recs[1].Iteration)
}

func TestSortHooksDescendingStable(t *testing.T) {
	summaryA := NewSummaryHook(mustTrigger(Interval{Num: 1, Unit: UnitIteration}), DiscardWriter{})
	summaryB := NewSummaryHook(mustTrigger(Interval{Num: 2, Unit: UnitIteration}), DiscardWriter{})
	stop := NewStopTrainingHook(mustTrigger(Interval{Num: 4, Unit: UnitIteration}))
	validation := NewValidationHook(mustTrigger(Interval{Num: 2, Unit: UnitIteration}), NewSliceSequence(), summaryA)

	hooks := []Hook{stop, summaryA, summaryB, validation}
	sortHooks(hooks)

	assert.Same(t, validation, hooks[0])
	assert.Same(t, summaryA, hooks[1])
	assert.Same(t, summaryB, hooks[2])
	assert.Same(t, stop, hooks[3])
}
