package meter

import (
	"fmt"
	"math"
	"time"
)

// Limits bound what a new sample may look like relative to the previous
// accepted one. The defaults describe a three-phase 16 A / 230 V service.
type Limits struct {
	Phases          int
	MaxPhaseCurrent float64 // A
	NominalVoltage  float64 // V
	SafetyMargin    float64
	MinElapsed      time.Duration
	WaiverAfter     time.Duration
	PowerTolerance  float64 // W
}

func DefaultLimits() Limits {
	return Limits{
		Phases:          3,
		MaxPhaseCurrent: 16,
		NominalVoltage:  230,
		SafetyMargin:    3,
		MinElapsed:      60 * time.Second,
		WaiverAfter:     1800 * time.Second,
		PowerTolerance:  3,
	}
}

// MaxEnergyIncrease is the largest plausible forward energy increase in Wh
// over elapsed, with elapsed floored at MinElapsed.
func (l Limits) MaxEnergyIncrease(elapsed time.Duration) float64 {
	if elapsed < l.MinElapsed {
		elapsed = l.MinElapsed
	}
	watts := float64(l.Phases) * l.MaxPhaseCurrent * l.NominalVoltage * l.SafetyMargin
	return watts * elapsed.Seconds() / 3600
}

// Validator decides whether a freshly fetched sample can replace the
// previous accepted one. It holds no state.
type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate returns nil when next is acceptable. The returned error wraps one
// of ErrEnergyMissing, ErrEnergyJump, ErrPowerMissing or ErrPowerMismatch.
// A nil prev accepts unconditionally.
func (v *Validator) Validate(next, prev Sample, elapsed time.Duration) error {
	if prev == nil {
		return nil
	}

	if err := v.checkEnergy(next, prev, elapsed); err != nil {
		return err
	}

	return v.checkPowerBalance(next)
}

func (v *Validator) checkEnergy(next, prev Sample, elapsed time.Duration) error {
	energyNow, ok := next.Int(FieldForwardEnergy)
	if !ok {
		return fmt.Errorf("%w: %s=%v", ErrEnergyMissing, FieldForwardEnergy, next[FieldForwardEnergy])
	}

	energyPrev, ok := prev.Int(FieldForwardEnergy)
	if !ok {
		return nil
	}

	if elapsed > v.limits.WaiverAfter {
		return nil
	}

	diff := energyNow - energyPrev
	limit := v.limits.MaxEnergyIncrease(elapsed)
	if diff < 0 || float64(diff) > limit {
		return fmt.Errorf("%w: diff %d Wh, limit %.1f Wh over %s", ErrEnergyJump, diff, limit, elapsed.Round(time.Second))
	}

	return nil
}

var (
	phaseForwardFields = [...]string{FieldL1ForwardPower, FieldL2ForwardPower, FieldL3ForwardPower}
	phaseReverseFields = [...]string{FieldL1ReversePower, FieldL2ReversePower, FieldL3ReversePower}
)

func (v *Validator) checkPowerBalance(next Sample) error {
	var sum float64
	for _, key := range phaseForwardFields {
		w, ok := next.Float(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPowerMissing, key)
		}
		sum += w
	}
	for _, key := range phaseReverseFields {
		w, ok := next.Float(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPowerMissing, key)
		}
		sum -= w
	}

	fwd, ok := next.Float(FieldForwardPower)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPowerMissing, FieldForwardPower)
	}
	rev, ok := next.Float(FieldReversePower)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPowerMissing, FieldReversePower)
	}
	total := fwd - rev

	if math.Abs(total-sum) > v.limits.PowerTolerance {
		return fmt.Errorf("%w: aggregate %.1f W, phases %.1f W", ErrPowerMismatch, total, sum)
	}

	return nil
}
