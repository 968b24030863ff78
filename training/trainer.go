package training

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/optimizer"
	"github.com/trainset/trainloop/tensor"
)

// State is the trainer lifecycle state.
type State string

const (
	StateConstructed State = "constructed"
	StateTraining    State = "training"
	StateValidating  State = "validating"
	StateStopped     State = "stopped"
)

// Collector receives loop observability events. The Prometheus
// implementation lives in the metrics package; a nil collector disables
// reporting.
type Collector interface {
	ObserveStep(duration time.Duration, losses map[string]float64)
	CheckpointSaved(iteration int)
	ValidationRun()
	SetState(state string)
}

type nopCollector struct{}

func (nopCollector) ObserveStep(time.Duration, map[string]float64) {}
func (nopCollector) CheckpointSaved(int)                           {}
func (nopCollector) ValidationRun()                                {}
func (nopCollector) SetState(string)                               {}

// MetricSpec names a validation metric whose best checkpoint is tracked.
type MetricSpec struct {
	Name      string
	Criterion checkpoints.Criterion
}

// Config is the per-run configuration surface of the trainer. All step
// intervals are (N, unit) pairs; zero-valued intervals take the defaults
// applied by NewTrainer.
type Config struct {
	StorageDir     string
	SummaryStep    Interval
	CheckpointStep Interval
	ValidateStep   Interval
	MaxStep        Interval
	LossWeights    map[string]float64
	Device         tensor.Device
	InitCheckpoint string
	Seed           int64
	RetainGraph    bool
	TrackedMetrics []MetricSpec
	Retention      checkpoints.RetentionPolicy
	RunID          string

	Collector     Collector
	SummaryWriter SummaryWriter
}

// Trainer drives the training loop: periodic summaries, validation, and
// checkpoints around a forward/backward/optimizer-step cycle. A Trainer
// runs exactly one training session.
type Trainer struct {
	model  Module
	opt    optimizer.Optimizer
	config Config

	state     State
	iteration int
	epoch     int

	store             *checkpoints.Store
	checkpointTrigger *IntervalTrigger
	hooks             []Hook
	summaryHook       *SummaryHook
	timings           *Timings
	writer            SummaryWriter
	ownsWriter        bool
	collector         Collector
}

// NewTrainer validates the configuration, binds the optimizer to the
// model parameters, places the model on the configured device, and seeds
// the randomness sources.
func NewTrainer(model Module, opt optimizer.Optimizer, cfg Config) (*Trainer, error) {
	if model == nil {
		return nil, configErrorf("model cannot be nil")
	}
	if cfg.StorageDir == "" {
		return nil, configErrorf("storage_dir must be set")
	}
	if cfg.SummaryStep.Num == 0 {
		cfg.SummaryStep = Interval{Num: 1000, Unit: UnitIteration}
	}
	if cfg.CheckpointStep.Num == 0 {
		cfg.CheckpointStep = Interval{Num: 1000, Unit: UnitIteration}
	}
	if cfg.MaxStep.Num == 0 {
		cfg.MaxStep = Interval{Num: 1, Unit: UnitEpoch}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	checkpointTrigger, err := NewTrigger(cfg.CheckpointStep)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint_step: %w", err)
	}
	// Construct the remaining triggers up front so bad intervals fail at
	// build time, not mid-run.
	for _, iv := range []struct {
		name string
		iv   Interval
	}{
		{"summary_step", cfg.SummaryStep},
		{"max_step", cfg.MaxStep},
	} {
		if _, err := NewTrigger(iv.iv); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", iv.name, err)
		}
	}
	if cfg.ValidateStep.Num != 0 {
		if _, err := NewTrigger(cfg.ValidateStep); err != nil {
			return nil, fmt.Errorf("invalid validate_step: %w", err)
		}
	}

	store, err := checkpoints.NewStore(cfg.StorageDir, cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %v", err)
	}
	for _, m := range cfg.TrackedMetrics {
		store.Track(m.Name, m.Criterion)
	}

	writer := cfg.SummaryWriter
	ownsWriter := false
	if writer == nil {
		writer, err = NewJSONLWriter(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		ownsWriter = true
	}
	collector := cfg.Collector
	if collector == nil {
		collector = nopCollector{}
	}

	SetRandomSeed(cfg.Seed)

	if opt != nil {
		opt.SetParameters(model.Parameters())
	}
	model.To(cfg.Device)

	return &Trainer{
		model:             model,
		opt:               opt,
		config:            cfg,
		state:             StateConstructed,
		store:             store,
		checkpointTrigger: checkpointTrigger,
		timings:           NewTimings(),
		writer:            writer,
		ownsWriter:        ownsWriter,
		collector:         collector,
	}, nil
}

// Iteration returns the number of completed steps.
func (t *Trainer) Iteration() int { return t.iteration }

// Epoch returns the number of completed passes over the training sequence.
func (t *Trainer) Epoch() int { return t.epoch }

// State returns the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Store returns the checkpoint store backing this trainer.
func (t *Trainer) Store() *checkpoints.Store { return t.store }

// errEndOfEpoch marks an exhausted training iterator inside a step.
var errEndOfEpoch = errors.New("end of epoch")

// Train runs the loop until the max-step trigger fires or an error
// propagates. validateSeq may be nil to disable validation. On normal
// completion or the stop signal the accumulated summary is flushed and a
// final checkpoint is saved; any other error terminates without a final
// save.
func (t *Trainer) Train(trainSeq, validateSeq Sequence) error {
	if t.state != StateConstructed {
		return fmt.Errorf("training already started (state %s)", t.state)
	}
	if trainSeq == nil {
		return configErrorf("training sequence cannot be nil")
	}
	// The trainer closes the writer it opened itself; caller-supplied
	// writers stay the caller's to close.
	if t.ownsWriter {
		defer t.writer.Close()
	}

	t.summaryHook = NewSummaryHook(mustTrigger(t.config.SummaryStep), t.writer)
	stopHook := NewStopTrainingHook(mustTrigger(t.config.MaxStep))
	t.hooks = []Hook{t.summaryHook, stopHook}
	if validateSeq != nil && t.config.ValidateStep.Num != 0 {
		vt, err := NewTrigger(t.config.ValidateStep)
		if err != nil {
			return err
		}
		t.hooks = append(t.hooks, NewValidationHook(vt, validateSeq, t.summaryHook))
	}
	sortHooks(t.hooks)

	if t.config.InitCheckpoint != "" {
		if err := t.LoadCheckpoint(t.config.InitCheckpoint); err != nil {
			return err
		}
	}
	// Re-anchor every trigger at the starting counters so a resumed run
	// does not refire boundaries the loaded checkpoint already crossed.
	t.checkpointTrigger.SetLast(t.iteration, t.epoch)
	for _, h := range t.hooks {
		switch hook := h.(type) {
		case *SummaryHook:
			hook.trigger.SetLast(t.iteration, t.epoch)
		case *ValidationHook:
			hook.trigger.SetLast(t.iteration, t.epoch)
		case *StopTrainingHook:
			hook.trigger.SetLast(t.iteration, t.epoch)
		}
	}

	fmt.Printf("Starting training on %s (run %s, iteration %d)\n",
		t.config.Device, t.config.RunID, t.iteration)

	t.state = StateTraining
	t.collector.SetState(string(t.state))
	t.model.TrainMode()

	err := t.loop(trainSeq)

	t.state = StateStopped
	t.collector.SetState(string(t.state))

	if err == nil || errors.Is(err, ErrStopTraining) {
		if ferr := t.finalize(); ferr != nil {
			return ferr
		}
		return nil
	}
	return err
}

// mustTrigger builds a trigger from an interval already validated by
// NewTrainer.
func mustTrigger(iv Interval) *IntervalTrigger {
	tr, err := NewTrigger(iv)
	if err != nil {
		panic(err)
	}
	return tr
}

func (t *Trainer) loop(trainSeq Sequence) error {
	for {
		if err := t.epochPass(trainSeq); err != nil {
			return err
		}
		t.epoch++
	}
}

// epochPass runs steps until the iterator exhausts. The iterator is
// closed on every exit, including the stop signal and step errors, so a
// prefetching source never leaks its worker.
func (t *Trainer) epochPass(trainSeq Sequence) error {
	it := trainSeq.Iter()
	defer closeIterator(it)
	for {
		err := t.step(it)
		if errors.Is(err, errEndOfEpoch) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func closeIterator(it Iterator) {
	if c, ok := it.(interface{ Close() }); ok {
		c.Close()
	}
}

// step executes one iteration of the per-step protocol. The iteration
// counter holds the number of completed steps and advances only after
// the full cycle, so the number at which an epoch's fetch failed is
// reused by the next epoch's first step.
func (t *Trainer) step(it Iterator) error {
	for _, h := range t.hooks {
		if err := h.Pre(t); err != nil {
			return err
		}
	}

	// Checkpoint before the step body so a crash mid-step still has the
	// prior state on disk. Iteration 1 always gets one.
	if t.checkpointTrigger.Fires(t.iteration, t.epoch) || t.iteration == 1 {
		if err := t.SaveCheckpoint(); err != nil {
			return err
		}
	}

	var ex Example
	var fetched bool
	if terr := t.timings.Measure("fetch", func() error {
		ex, fetched = it.Next()
		return nil
	}); terr != nil {
		return terr
	}
	if !fetched {
		if t.iteration == 0 {
			return configErrorf("zero length train sequence")
		}
		return errEndOfEpoch
	}

	stepStart := time.Now()

	ex = ExampleToDevice(ex, t.config.Device)

	var out Output
	if err := t.timings.Measure("forward", func() error {
		var ferr error
		out, ferr = t.model.Forward(ex)
		return ferr
	}); err != nil {
		return fmt.Errorf("forward pass failed at iteration %d: %v", t.iteration, err)
	}
	if outputHasNonFinite(out) {
		return fmt.Errorf("%w at iteration %d", ErrNonFiniteOutput, t.iteration)
	}

	var review *Review
	if err := t.timings.Measure("review", func() error {
		var rerr error
		review, rerr = t.model.Review(ex, out)
		return rerr
	}); err != nil {
		return fmt.Errorf("review failed at iteration %d: %v", t.iteration, err)
	}
	if review == nil {
		return fmt.Errorf("model returned a nil review at iteration %d", t.iteration)
	}

	if t.opt != nil {
		t.opt.ZeroGrad()
		if err := t.timings.Measure("backward", func() error {
			return t.backward(review)
		}); err != nil {
			return err
		}
		if err := t.clipAndRecord(review); err != nil {
			return err
		}
		if err := t.timings.Measure("optimizer", func() error {
			return t.opt.Step()
		}); err != nil {
			return fmt.Errorf("optimizer step failed at iteration %d: %v", t.iteration, err)
		}
	}

	for _, h := range t.hooks {
		if err := h.Post(t, ex, out, review); err != nil {
			return err
		}
	}

	t.iteration++
	t.collector.ObserveStep(time.Since(stepStart), reviewLossValues(review))
	return nil
}

// backward runs the weighted backward pass. With multiple losses the
// configuration must weight every loss key.
func (t *Trainer) backward(review *Review) error {
	if len(review.Losses) == 0 {
		return configErrorf("review produced no losses")
	}
	if len(review.Losses) > 1 && t.config.LossWeights == nil {
		return configErrorf("multiple losses %v require loss_weights", lossKeys(review))
	}
	for name, loss := range review.Losses {
		weight := 1.0
		if t.config.LossWeights != nil {
			w, ok := t.config.LossWeights[name]
			if !ok && len(review.Losses) > 1 {
				return configErrorf("loss_weights missing entry for loss %q", name)
			}
			if ok {
				weight = w
			}
		}
		if err := loss.Backward(float32(weight), t.config.RetainGraph); err != nil {
			return fmt.Errorf("backward pass failed at iteration %d: %v", t.iteration, err)
		}
	}
	return nil
}

// clipAndRecord clips gradients through the optimizer contract and
// injects the reported norms into the review under grad_norm naming.
// Named norms flatten with an underscore join; histogram keys take a
// trailing underscore so scalar and histogram entries cannot collide.
func (t *Trainer) clipAndRecord(review *Review) error {
	norms, err := t.opt.ClipGrad()
	if err != nil {
		return fmt.Errorf("gradient clipping failed at iteration %d: %v", t.iteration, err)
	}
	if len(norms) == 0 {
		return nil
	}
	if review.Scalars == nil {
		review.Scalars = make(map[string]float64)
	}
	if review.Histograms == nil {
		review.Histograms = make(map[string][]float64)
	}
	for name, v := range norms {
		key := "grad_norm"
		if name != "" {
			key += "_" + strings.ReplaceAll(name, ".", "_")
		}
		review.Scalars[key] = v
		review.Histograms[key+"_"] = append(review.Histograms[key+"_"], v)
	}
	return nil
}

// runValidation walks the validation sequence in eval mode. No backward
// or optimizer call happens here, so parameters cannot change; train
// mode is restored even when a batch fails.
func (t *Trainer) runValidation(seq Sequence) (*Summary, error) {
	prev := t.state
	t.state = StateValidating
	t.collector.SetState(string(t.state))
	t.model.EvalMode()
	defer func() {
		t.model.TrainMode()
		t.state = prev
		t.collector.SetState(string(t.state))
	}()

	agg := EmptySummary()
	it := seq.Iter()
	defer closeIterator(it)
	for {
		ex, ok := it.Next()
		if !ok {
			break
		}
		ex = ExampleToDevice(ex, t.config.Device)
		out, err := t.model.Forward(ex)
		if err != nil {
			return nil, fmt.Errorf("validation forward failed at iteration %d: %v", t.iteration, err)
		}
		if outputHasNonFinite(out) {
			return nil, fmt.Errorf("%w during validation at iteration %d", ErrNonFiniteOutput, t.iteration)
		}
		review, err := t.model.Review(ex, out)
		if err != nil {
			return nil, fmt.Errorf("validation review failed at iteration %d: %v", t.iteration, err)
		}
		if review == nil {
			return nil, fmt.Errorf("model returned a nil review during validation at iteration %d", t.iteration)
		}
		agg.AddReview(review)
	}
	t.collector.ValidationRun()
	return agg, nil
}

// reportMetrics forwards tracked metric values from a validation record
// to the checkpoint store's best-value bookkeeping.
func (t *Trainer) reportMetrics(rec *Record) {
	for _, m := range t.config.TrackedMetrics {
		if v, ok := rec.Losses[m.Name]; ok {
			t.store.Report(m.Name, v)
			continue
		}
		if v, ok := rec.Scalars[m.Name]; ok {
			t.store.Report(m.Name, v)
		}
	}
}

// SaveCheckpoint persists the model and optimizer state at the current
// counters. The model is serialized from host memory and moved back to
// the accelerator afterwards if that is where it lives.
func (t *Trainer) SaveCheckpoint() error {
	if t.config.Device != tensor.CPU {
		t.model.To(tensor.CPU)
		defer t.model.To(t.config.Device)
	}
	ck := &checkpoints.Checkpoint{
		Iteration: t.iteration,
		Epoch:     t.epoch,
		Model:     t.model.StateDict(),
		Metadata: checkpoints.Metadata{
			RunID:     t.config.RunID,
			CreatedAt: time.Now().UTC(),
		},
	}
	if t.opt != nil {
		optState, err := t.opt.StateDict()
		if err != nil {
			return fmt.Errorf("failed to capture optimizer state: %v", err)
		}
		ck.Optimizer = optState
	}
	path, err := t.store.Save(ck)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint at iteration %d: %v", t.iteration, err)
	}
	t.collector.CheckpointSaved(t.iteration)
	fmt.Printf("Saved checkpoint %s (iteration %d, epoch %d)\n", path, t.iteration, t.epoch)
	return nil
}

// LoadCheckpoint restores model and optimizer state from an artifact.
// The loaded record's iteration was a completed step, so the trainer
// resumes at record.iteration + 1 and never replays it.
func (t *Trainer) LoadCheckpoint(path string) error {
	ck, err := t.store.Load(path)
	if err != nil {
		return err
	}
	if err := t.model.LoadStateDict(ck.Model); err != nil {
		return fmt.Errorf("failed to restore model state: %v", err)
	}
	if ck.Optimizer != nil && t.opt != nil {
		if err := t.opt.LoadStateDict(ck.Optimizer); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	t.epoch = ck.Epoch
	t.iteration = ck.Iteration + 1
	fmt.Printf("Loaded checkpoint %s, resuming at iteration %d (epoch %d)\n", path, t.iteration, t.epoch)
	return nil
}

// finalize flushes the pending summary and saves the final checkpoint.
// Runs on normal completion and on the stop signal only.
func (t *Trainer) finalize() error {
	if err := t.summaryHook.Dump(t); err != nil {
		return err
	}
	return t.SaveCheckpoint()
}

func lossKeys(review *Review) []string {
	keys := make([]string, 0, len(review.Losses))
	for k := range review.Losses {
		keys = append(keys, k)
	}
	return keys
}

func reviewLossValues(review *Review) map[string]float64 {
	out := make(map[string]float64, len(review.Losses))
	for name, loss := range review.Losses {
		if v, err := loss.Item(); err == nil {
			out[name] = float64(v)
		}
	}
	return out
}
