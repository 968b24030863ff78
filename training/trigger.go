package training

import "fmt"

// Unit selects which progress counter a trigger watches.
type Unit string

const (
	UnitIteration Unit = "iteration"
	UnitEpoch     Unit = "epoch"
)

// ParseUnit maps a configuration string to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitIteration, UnitEpoch:
		return Unit(s), nil
	default:
		return "", configErrorf("unknown trigger unit %q (want %q or %q)", s, UnitIteration, UnitEpoch)
	}
}

// Interval is the (N, unit) pair the configuration surface uses for
// summary_step, checkpoint_step, validate_step and max_step.
type Interval struct {
	Num  int
	Unit Unit
}

// IntervalTrigger fires once per period boundary of its counter. Calling
// Fires for scheduling consumes the firing: the last-fired marker advances
// on every true return, so polling between boundaries stays false.
type IntervalTrigger struct {
	period int
	unit   Unit
	last   int
}

// NewIntervalTrigger creates a trigger. A non-positive period is a
// configuration error.
func NewIntervalTrigger(period int, unit Unit) (*IntervalTrigger, error) {
	if period <= 0 {
		return nil, configErrorf("trigger period must be positive, got %d", period)
	}
	if unit != UnitIteration && unit != UnitEpoch {
		return nil, configErrorf("unknown trigger unit %q", unit)
	}
	return &IntervalTrigger{period: period, unit: unit}, nil
}

// NewTrigger builds an IntervalTrigger from a configuration Interval.
func NewTrigger(iv Interval) (*IntervalTrigger, error) {
	return NewIntervalTrigger(iv.Num, iv.Unit)
}

func (g *IntervalTrigger) value(iteration, epoch int) int {
	if g.unit == UnitEpoch {
		return epoch
	}
	return iteration
}

// Fires reports whether the watched counter crossed a period boundary
// since the last firing, and records the firing when it did. Crossing
// several boundaries at once still fires only once.
func (g *IntervalTrigger) Fires(iteration, epoch int) bool {
	v := g.value(iteration, epoch)
	if v/g.period > g.last/g.period {
		g.last = v
		return true
	}
	return false
}

// SetLast re-anchors the last-fired marker without firing. Used when
// resuming from a checkpoint so periods satisfied before the snapshot do
// not immediately re-fire.
func (g *IntervalTrigger) SetLast(iteration, epoch int) {
	g.last = g.value(iteration, epoch)
}

func (g *IntervalTrigger) String() string {
	return fmt.Sprintf("IntervalTrigger(%d, %s)", g.period, g.unit)
}
