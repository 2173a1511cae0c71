package peg

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
)

// ErrInvalidPrice rejects observations that cannot be compared against a peg
var ErrInvalidPrice = errors.New("invalid price")

// Observation is one price sample for an instrument
type Observation struct {
	Price     float64
	Change24h float64
	At        time.Time
}

// Thresholds are the absolute deviations at which an instrument leaves STABLE and ALERT
type Thresholds struct {
	Soft float64
	Hard float64
}

// Band maps a deviation to its peg state
func Band(deviation float64, th Thresholds) model.PegState {
	switch {
	case deviation >= th.Hard:
		return model.PegDepegged
	case deviation >= th.Soft:
		return model.PegAlert
	default:
		return model.PegStable
	}
}

// Evaluate returns the state the observation puts the instrument in and whether that differs
// from its current state. An instrument without a state counts as STABLE.
func Evaluate(inst model.Instrument, obs Observation, th Thresholds) (model.PegState, bool, error) {
	if err := validatePrice(obs.Price); err != nil {
		return inst.PegState, false, err
	}

	current := inst.PegState
	if current == "" {
		current = model.PegStable
	}

	next := Band(math.Abs(obs.Price-inst.Target), th)
	return next, next != current, nil
}

func validatePrice(p float64) error {
	switch {
	case math.IsNaN(p), math.IsInf(p, 0):
		return fmt.Errorf("%w: %v", ErrInvalidPrice, p)
	case p <= 0:
		return fmt.Errorf("%w: %v must be positive", ErrInvalidPrice, p)
	}
	return nil
}

// TransitionAlert builds the PEG alert for a band change: DEPEG HIGH into ALERT, DEPEG
// CRITICAL into DEPEGGED and RECOVERY INFO back to STABLE.
func TransitionAlert(inst model.Instrument, from, to model.PegState) (*model.Alert, error) {
	if from == "" {
		from = model.PegStable
	}

	deviation := inst.Deviation()
	pct := 0.0
	if inst.Target != 0 {
		pct = deviation / inst.Target * 100
	}

	var (
		kind     model.AlertKind
		severity model.Severity
		message  string
	)
	switch to {
	case model.PegAlert:
		kind, severity = model.KindDepeg, model.SeverityHigh
		message = fmt.Sprintf("%s is drifting off its peg: $%.4f, %.2f%% from $%.2f", inst.Symbol, inst.Price, pct, inst.Target)
	case model.PegDepegged:
		kind, severity = model.KindDepeg, model.SeverityCritical
		message = fmt.Sprintf("%s has depegged: $%.4f, %.2f%% from $%.2f", inst.Symbol, inst.Price, pct, inst.Target)
	case model.PegStable:
		kind, severity = model.KindRecovery, model.SeverityInfo
		message = fmt.Sprintf("%s is back on its peg at $%.4f", inst.Symbol, inst.Price)
	default:
		return nil, fmt.Errorf("unknown peg state %q", to)
	}

	return model.NewAlert(model.CategoryPeg, kind, severity, inst.Symbol, message, map[string]any{
		"instrument_id": inst.ID,
		"symbol":        inst.Symbol,
		"price":         inst.Price,
		"target":        inst.Target,
		"deviation":     deviation,
		"deviation_pct": pct,
		"change_24h":    inst.Change24h,
		"from":          string(from),
		"to":            string(to),
	})
}
