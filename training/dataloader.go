package training

import (
	"context"
	"fmt"
	"sync"
)

// Sequence is a re-iterable source of examples. The trainer walks the
// training sequence once per epoch and the validation sequence once per
// validation run; each Iter call must yield the same examples in the same
// order for deterministic resume.
type Sequence interface {
	Iter() Iterator
}

// Iterator yields examples until exhausted. Next returns false once the
// pass is complete.
type Iterator interface {
	Next() (Example, bool)
}

// SliceSequence serves a fixed in-memory list of examples in order.
type SliceSequence struct {
	Examples []Example
}

// NewSliceSequence wraps examples into a Sequence.
func NewSliceSequence(examples ...Example) *SliceSequence {
	return &SliceSequence{Examples: examples}
}

// Iter starts a fresh pass over the examples.
func (s *SliceSequence) Iter() Iterator {
	return &sliceIterator{examples: s.Examples}
}

type sliceIterator struct {
	examples []Example
	pos      int
}

func (it *sliceIterator) Next() (Example, bool) {
	if it.pos >= len(it.examples) {
		return nil, false
	}
	ex := it.examples[it.pos]
	it.pos++
	return ex, true
}

// Prefetcher wraps a Sequence and pulls examples into a bounded channel
// from a background goroutine, overlapping data preparation with the
// training step. Each Iter starts its own worker; dropping an iterator
// before exhaustion leaks nothing once its Close is called.
type Prefetcher struct {
	source Sequence
	depth  int
}

// NewPrefetcher creates a Prefetcher with the given buffer depth.
func NewPrefetcher(source Sequence, depth int) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("prefetch source cannot be nil")
	}
	if depth <= 0 {
		depth = 3
	}
	return &Prefetcher{source: source, depth: depth}, nil
}

// Iter starts a background pass over the wrapped sequence.
func (p *Prefetcher) Iter() Iterator {
	ctx, cancel := context.WithCancel(context.Background())
	it := &prefetchIterator{
		ch:     make(chan Example, p.depth),
		cancel: cancel,
	}
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(it.ch)
		inner := p.source.Iter()
		for {
			ex, ok := inner.Next()
			if !ok {
				return
			}
			select {
			case it.ch <- ex:
			case <-ctx.Done():
				return
			}
		}
	}()
	return it
}

type prefetchIterator struct {
	ch     chan Example
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (it *prefetchIterator) Next() (Example, bool) {
	ex, ok := <-it.ch
	return ex, ok
}

// Close stops the background worker. Safe to call more than once.
func (it *prefetchIterator) Close() {
	it.cancel()
	it.wg.Wait()
}
