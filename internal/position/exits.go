package position

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/config"
)

// Exit reasons.
const (
	ReasonRecoveryWeakening = "RECOVERY_WEAKENING"
	ReasonRapidReversal     = "RAPID_REVERSAL"
	ReasonTrailingStop      = "TRAILING_STOP"
	ReasonVolumeDrop        = "VOLUME_DROP"
	ReasonSafetyViolation   = "SAFETY_VIOLATION"
	ReasonMaxHoldTime       = "MAX_HOLD_TIME"
	ReasonShutdown          = "SHUTDOWN"
)

// MarketView is the slice of token state the exit engine consumes.
// The manager assembles it from the registry-owned token.
type MarketView struct {
	Price         decimal.Decimal
	MarketCapSol  decimal.Decimal
	Volume5m      float64
	StrengthTotal float64 // 0-100
	BuyPressure   float64 // 0-1
	Structure     string  // bullish|bearish|neutral
	Phase         string  // none|accumulation|expansion|distribution
	LastBearishAt time.Time
}

// Decision is the exit engine's verdict for one evaluation.
type Decision struct {
	Exit     bool
	Fraction float64
	Reason   string
}

var hold = Decision{}

func exit(fraction float64, reason string) Decision {
	return Decision{Exit: true, Fraction: fraction, Reason: reason}
}

// exitState is the per-position memory across evaluations.
type exitState struct {
	trailingStop   decimal.Decimal // zero until armed
	peakVolume     float64
	triggeredTiers map[float64]bool
}

// ExitEngine evaluates the exit rules in fixed order; the first match
// wins. State is per-position and disposed with the position. Not
// safe for concurrent use: the manager serializes Evaluate and
// Dispose under its lock.
type ExitEngine struct {
	cfg    *config.Config
	tiers  []config.Tier // sorted descending by threshold
	states map[string]*exitState
}

// NewExitEngine creates an ExitEngine.
func NewExitEngine(cfg *config.Config) *ExitEngine {
	tiers := make([]config.Tier, len(cfg.Exits.TakeProfit.Tiers))
	copy(tiers, cfg.Exits.TakeProfit.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ThresholdPct > tiers[j].ThresholdPct })

	return &ExitEngine{
		cfg:    cfg,
		tiers:  tiers,
		states: make(map[string]*exitState),
	}
}

// Evaluate runs the rule chain for one position against the current
// market view.
func (e *ExitEngine) Evaluate(pos *Position, view MarketView, now time.Time) Decision {
	if pos.Status != StatusOpen || pos.RemainingFraction <= 0 {
		return hold
	}

	st, ok := e.states[pos.ID]
	if !ok {
		st = &exitState{triggeredTiers: make(map[float64]bool)}
		e.states[pos.ID] = st
	}

	gainPct := pos.PnLPct()

	// 1. Recovery weakening: the thesis is gone, take everything off.
	rc := e.cfg.Exits.Recovery
	if view.StrengthTotal < rc.MinStrength ||
		view.BuyPressure < rc.MinBuyPressure ||
		view.Structure == "bearish" ||
		view.Phase == "distribution" {
		return exit(pos.RemainingFraction, ReasonRecoveryWeakening)
	}

	// 2. Take-profit tiers, strongest first. Thresholds stretch with
	// recovery strength; each tier fires at most once.
	for _, tier := range e.tiers {
		adjusted := tier.ThresholdPct * (1 + (view.StrengthTotal-50)/100)
		if gainPct >= adjusted && !st.triggeredTiers[tier.ThresholdPct] {
			st.triggeredTiers[tier.ThresholdPct] = true
			fraction := tier.Portion
			if fraction > pos.RemainingFraction {
				fraction = pos.RemainingFraction
			}
			return exit(fraction, tierReason(tier.ThresholdPct))
		}
	}

	// 3. Rapid reversal shortly after entry.
	rv := e.cfg.Exits.Reversal
	inEntryWindow := pos.HeldFor(now) <= time.Duration(rv.TimeWindowMs)*time.Millisecond
	if inEntryWindow && gainPct < -rv.MaxDrawdownPct {
		return exit(pos.RemainingFraction, ReasonRapidReversal)
	}
	// A bearish flip moments ago counts as a reversal even if the
	// structure has already ticked back to neutral.
	if !view.LastBearishAt.IsZero() &&
		now.Sub(view.LastBearishAt) <= time.Duration(rv.StructureChangeWindowMs)*time.Millisecond {
		return exit(pos.RemainingFraction, ReasonRapidReversal)
	}

	// 4. Trailing stop, armed once the gain clears the activation bar.
	if d := e.checkTrailingStop(pos, st, view, gainPct); d.Exit {
		return d
	}

	// 5. Volume drop from the observed peak.
	vd := e.cfg.Exits.VolumeDrop
	if view.Volume5m > st.peakVolume {
		st.peakVolume = view.Volume5m
	}
	if st.peakVolume > 0 {
		dropPct := (st.peakVolume - view.Volume5m) / st.peakVolume * 100
		if dropPct >= vd.DropThresholdPct && view.BuyPressure < vd.MinBuyPressure {
			return exit(pos.RemainingFraction, ReasonVolumeDrop)
		}
	}

	return hold
}

func (e *ExitEngine) checkTrailingStop(pos *Position, st *exitState, view MarketView, gainPct float64) Decision {
	ts := e.cfg.Exits.TrailingStop
	if gainPct < ts.ActivationPct && st.trailingStop.IsZero() {
		return hold
	}

	// Distance narrows as recovery strength fades.
	dist := ts.BaseDistancePct * (1 - (view.StrengthTotal-50)/100)
	if view.StrengthTotal < 2*e.cfg.Exits.Recovery.MinStrength {
		dist *= 0.5
	}
	if view.Phase == "distribution" {
		dist *= 0.3
	}
	if dist < 0.5 {
		dist = 0.5
	}

	if gainPct >= ts.ActivationPct {
		candidate := pos.CurrentPrice.Mul(decimal.NewFromFloat(1 - dist/100))
		if candidate.GreaterThan(st.trailingStop) {
			st.trailingStop = candidate
		}
	}

	if !st.trailingStop.IsZero() && pos.CurrentPrice.LessThan(st.trailingStop) {
		return exit(pos.RemainingFraction, ReasonTrailingStop)
	}
	return hold
}

// Dispose drops the per-position state after a close.
func (e *ExitEngine) Dispose(positionID string) {
	delete(e.states, positionID)
}

func tierReason(thresholdPct float64) string {
	return fmt.Sprintf("TAKE_PROFIT_%gPCT", thresholdPct)
}
