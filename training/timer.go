package training

import "time"

// Timings is the per-trainer registry of named stopwatch samples used for
// performance diagnostics: time per step, data loading, validation. It is
// append-only until an explicit Reset; the summary hook reads and resets it
// once per summary period.
//
// Single-threaded by design, like the loop that owns it. Nested or
// overlapping measurements under the same name simply append samples.
type Timings struct {
	samples map[string][]time.Duration
	now     func() time.Time
}

// NewTimings creates an empty registry.
func NewTimings() *Timings {
	return &Timings{
		samples: make(map[string][]time.Duration),
		now:     time.Now,
	}
}

// Measure times fn and appends the sample under name. A failed fn
// discards the sample instead of recording a partial duration; the error
// propagates either way.
func (t *Timings) Measure(name string, fn func() error) error {
	start := t.now()
	if err := fn(); err != nil {
		return err
	}
	t.samples[name] = append(t.samples[name], t.now().Sub(start))
	return nil
}

// Add appends an externally measured sample.
func (t *Timings) Add(name string, d time.Duration) {
	t.samples[name] = append(t.samples[name], d)
}

// AsMap returns a copy of all recorded samples.
func (t *Timings) AsMap() map[string][]time.Duration {
	out := make(map[string][]time.Duration, len(t.samples))
	for k, v := range t.samples {
		out[k] = append([]time.Duration(nil), v...)
	}
	return out
}

// Means returns the mean duration per key in seconds, for summary records.
func (t *Timings) Means() map[string]float64 {
	out := make(map[string]float64, len(t.samples))
	for k, v := range t.samples {
		if len(v) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range v {
			total += d
		}
		out[k] = total.Seconds() / float64(len(v))
	}
	return out
}

// Reset drops all samples.
func (t *Timings) Reset() {
	t.samples = make(map[string][]time.Duration)
}
