package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// weightedSample pairs a value with the number of elements it averages
// over, so flushes can aggregate element-weighted rather than
// batch-weighted.
type weightedSample struct {
	value    float64
	elements int
}

// Summary accumulates per-step review values between flushes.
type Summary struct {
	losses     map[string][]weightedSample
	scalars    map[string][]weightedSample
	histograms map[string][]float64
	timings    map[string]float64
}

// EmptySummary returns a summary with fresh all-empty maps. Flushing
// replaces the accumulator with one of these rather than reusing the old
// maps.
func EmptySummary() *Summary {
	return &Summary{
		losses:     make(map[string][]weightedSample),
		scalars:    make(map[string][]weightedSample),
		histograms: make(map[string][]float64),
		timings:    make(map[string]float64),
	}
}

// AddReview folds one review into the accumulator.
func (s *Summary) AddReview(r *Review) {
	n := r.Elements()
	for name, loss := range r.Losses {
		v, err := loss.Item()
		if err != nil {
			continue
		}
		s.AddLoss(name, float64(v), n)
	}
	for name, v := range r.Scalars {
		s.AddScalar(name, v, n)
	}
	for name, vals := range r.Histograms {
		s.AddHistogram(name, vals...)
	}
}

// AddLoss records one loss value averaged over the given element count.
func (s *Summary) AddLoss(name string, value float64, elements int) {
	if elements <= 0 {
		elements = 1
	}
	s.losses[name] = append(s.losses[name], weightedSample{value, elements})
}

// AddScalar records one scalar value averaged over the given element count.
func (s *Summary) AddScalar(name string, value float64, elements int) {
	if elements <= 0 {
		elements = 1
	}
	s.scalars[name] = append(s.scalars[name], weightedSample{value, elements})
}

// AddHistogram appends values under a histogram name.
func (s *Summary) AddHistogram(name string, values ...float64) {
	s.histograms[name] = append(s.histograms[name], values...)
}

// SetTimings replaces the timing means attached to the next flush.
func (s *Summary) SetTimings(t map[string]float64) {
	s.timings = t
}

// Empty reports whether nothing has been accumulated since the last flush.
func (s *Summary) Empty() bool {
	return len(s.losses) == 0 && len(s.scalars) == 0 && len(s.histograms) == 0
}

// Losses returns the element-weighted mean per accumulated loss name.
func (s *Summary) Losses() map[string]float64 {
	return weightedMeans(s.losses)
}

// Scalars returns the element-weighted mean per accumulated scalar name.
func (s *Summary) Scalars() map[string]float64 {
	return weightedMeans(s.scalars)
}

// Histograms returns the accumulated histogram values.
func (s *Summary) Histograms() map[string][]float64 {
	out := make(map[string][]float64, len(s.histograms))
	for k, v := range s.histograms {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func weightedMeans(samples map[string][]weightedSample) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for name, vals := range samples {
		var sum float64
		var count int
		for _, ws := range vals {
			sum += ws.value * float64(ws.elements)
			count += ws.elements
		}
		if count > 0 {
			out[name] = sum / float64(count)
		}
	}
	return out
}

// Flatten builds a record from the accumulated values.
func (s *Summary) Flatten(prefix string, iteration, epoch int) *Record {
	return &Record{
		Prefix:     prefix,
		Iteration:  iteration,
		Epoch:      epoch,
		Time:       time.Now().UTC(),
		Losses:     s.Losses(),
		Scalars:    s.Scalars(),
		Histograms: s.Histograms(),
		Timings:    s.timings,
	}
}

// Record is one flushed summary, tagged with the phase it covers
// ("train" or "validation") and the loop counters at flush time.
type Record struct {
	Prefix     string               `json:"prefix"`
	Iteration  int                  `json:"iteration"`
	Epoch      int                  `json:"epoch"`
	Time       time.Time            `json:"time"`
	Losses     map[string]float64   `json:"losses,omitempty"`
	Scalars    map[string]float64   `json:"scalars,omitempty"`
	Histograms map[string][]float64 `json:"histograms,omitempty"`
	Timings    map[string]float64   `json:"timings,omitempty"`
}

// SummaryWriter is the logging backend summary records are flushed to.
type SummaryWriter interface {
	Write(rec *Record) error
	Close() error
}

// JSONLWriter appends summary records as JSON lines to a file under the
// storage root.
type JSONLWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLWriter opens (or creates) <root>/summaries.jsonl for appending.
func NewJSONLWriter(root string) (*JSONLWriter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %v", err)
	}
	path := filepath.Join(root, "summaries.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary log: %v", err)
	}
	return &JSONLWriter{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one record.
func (w *JSONLWriter) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

// Close closes the underlying file.
func (w *JSONLWriter) Close() error {
	return w.file.Close()
}

// DiscardWriter drops every record. Used when no summary backend is
// configured.
type DiscardWriter struct{}

func (DiscardWriter) Write(*Record) error { return nil }
func (DiscardWriter) Close() error        { return nil }
