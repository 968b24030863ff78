package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainset/trainloop/tensor"
)

func scalarExample(v float32) Example {
	return Example{"input": tensor.Scalar(v)}
}

func TestSliceSequenceReiterates(t *testing.T) {
	seq := NewSliceSequence(scalarExample(1), scalarExample(2), scalarExample(3))

	for pass := 0; pass < 2; pass++ {
		it := seq.Iter()
		var got []float32
		for {
			ex, ok := it.Next()
			if !ok {
				break
			}
			v, err := ex["input"].Item()
			require.NoError(t, err)
			got = append(got, v)
		}
		assert.Equal(t, []float32{1, 2, 3}, got)
	}
}

func TestSliceSequenceEmpty(t *testing.T) {
	it := NewSliceSequence().Iter()
	_, ok := it.Next()
	assert.False(t, ok)
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	inner := NewSliceSequence(scalarExample(10), scalarExample(20), scalarExample(30))
	p, err := NewPrefetcher(inner, 2)
	require.NoError(t, err)

	it := p.Iter()
	var got []float32
	for {
		ex, ok := it.Next()
		if !ok {
			break
		}
		v, err := ex["input"].Item()
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []float32{10, 20, 30}, got)
}

func TestPrefetcherCloseMidPass(t *testing.T) {
	examples := make([]Example, 100)
	for i := range examples {
		examples[i] = scalarExample(float32(i))
	}
	p, err := NewPrefetcher(NewSliceSequence(examples...), 4)
	require.NoError(t, err)

	it := p.Iter().(*prefetchIterator)
	_, ok := it.Next()
	require.True(t, ok)
	it.Close()
	it.Close() // safe to call twice
}

func TestPrefetcherNilSource(t *testing.T) {
	_, err := NewPrefetcher(nil, 2)
	assert.Error(t, err)
}
