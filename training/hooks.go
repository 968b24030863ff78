package training

import "sort"

// Hook priorities. Dispatch each step is by descending priority, so the
// validation pass at the final iteration lands before the stop signal and
// its aggregate is still flushed by the summary hook.
const (
	PriorityValidation = 300
	PrioritySummary    = 200
	PriorityStop       = 100
)

// Hook is invoked once per step around the forward/backward/optimizer
// sequence. Pre runs before the step body, Post after with the step's
// example, output, and review. Hooks must treat model parameters as
// read-only.
type Hook interface {
	Priority() int
	Pre(t *Trainer) error
	Post(t *Trainer, ex Example, out Output, review *Review) error
}

// sortHooks orders hooks by descending priority, keeping insertion order
// among equals.
func sortHooks(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority() > hooks[j].Priority()
	})
}

// SummaryHook accumulates review values each step and flushes them to
// the summary writer when its trigger fires.
type SummaryHook struct {
	trigger *IntervalTrigger
	writer  SummaryWriter
	acc     *Summary
}

// NewSummaryHook creates a SummaryHook flushing to the given writer.
func NewSummaryHook(trigger *IntervalTrigger, writer SummaryWriter) *SummaryHook {
	if writer == nil {
		writer = DiscardWriter{}
	}
	return &SummaryHook{trigger: trigger, writer: writer, acc: EmptySummary()}
}

func (s *SummaryHook) Priority() int { return PrioritySummary }

// Pre flushes the accumulator when the summary trigger fires.
func (s *SummaryHook) Pre(t *Trainer) error {
	if !s.trigger.Fires(t.Iteration(), t.Epoch()) {
		return nil
	}
	return s.Dump(t)
}

// Post folds the step's review into the accumulator.
func (s *SummaryHook) Post(t *Trainer, ex Example, out Output, review *Review) error {
	s.acc.AddReview(review)
	return nil
}

// Dump flattens accumulated values into a train record, writes it, and
// replaces the accumulator with a fresh empty one. An empty accumulator
// writes nothing.
func (s *SummaryHook) Dump(t *Trainer) error {
	if s.acc.Empty() {
		return nil
	}
	s.acc.SetTimings(t.timings.Means())
	rec := s.acc.Flatten("train", t.Iteration(), t.Epoch())
	s.acc = EmptySummary()
	t.timings.Reset()
	return s.writer.Write(rec)
}

// WriteValidation flushes a validation aggregate through the same writer.
func (s *SummaryHook) WriteValidation(t *Trainer, agg *Summary) (*Record, error) {
	rec := agg.Flatten("validation", t.Iteration(), t.Epoch())
	if err := s.writer.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ValidationHook runs a full pass over the validation sequence when its
// trigger fires, forwards the element-weighted aggregate through the
// summary hook, and reports tracked metric values to the checkpoint
// store.
type ValidationHook struct {
	trigger  *IntervalTrigger
	sequence Sequence
	summary  *SummaryHook
}

// NewValidationHook creates a ValidationHook over the given sequence.
func NewValidationHook(trigger *IntervalTrigger, sequence Sequence, summary *SummaryHook) *ValidationHook {
	return &ValidationHook{trigger: trigger, sequence: sequence, summary: summary}
}

func (v *ValidationHook) Priority() int { return PriorityValidation }

// Pre runs validation when the trigger fires.
func (v *ValidationHook) Pre(t *Trainer) error {
	if !v.trigger.Fires(t.Iteration(), t.Epoch()) {
		return nil
	}
	agg, err := t.runValidation(v.sequence)
	if err != nil {
		return err
	}
	rec, err := v.summary.WriteValidation(t, agg)
	if err != nil {
		return err
	}
	t.reportMetrics(rec)
	return nil
}

func (v *ValidationHook) Post(t *Trainer, ex Example, out Output, review *Review) error {
	return nil
}

// StopTrainingHook raises the stop signal when the max-step trigger
// fires. The signal is observed only at the top of the loop; the current
// step always completes first.
type StopTrainingHook struct {
	trigger *IntervalTrigger
}

// NewStopTrainingHook creates a StopTrainingHook measuring against the
// given trigger.
func NewStopTrainingHook(trigger *IntervalTrigger) *StopTrainingHook {
	return &StopTrainingHook{trigger: trigger}
}

func (s *StopTrainingHook) Priority() int { return PriorityStop }

// Pre returns ErrStopTraining when the trigger fires.
func (s *StopTrainingHook) Pre(t *Trainer) error {
	if s.trigger.Fires(t.Iteration(), t.Epoch()) {
		return ErrStopTraining
	}
	return nil
}

func (s *StopTrainingHook) Post(t *Trainer, ex Example, out Output, review *Review) error {
	return nil
}
