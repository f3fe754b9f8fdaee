package token

import (
	"math"
	"time"
)

// Volume trend classifications.
const (
	VolumeIncreasing = "increasing"
	VolumeStable     = "stable"
	VolumeDecreasing = "decreasing"
)

// Market structure classifications.
const (
	StructureBullish = "bullish"
	StructureBearish = "bearish"
	StructureNeutral = "neutral"
)

// Recovery phases.
const (
	PhaseNone         = "none"
	PhaseAccumulation = "accumulation"
	PhaseExpansion    = "expansion"
	PhaseDistribution = "distribution"
)

// updateRecoveryMetrics recomputes the derived analytics after a
// trade has been applied to the token.
func (t *Token) updateRecoveryMetrics(now time.Time) {
	samples := t.recentSamples()

	t.Recovery.Volatility = logReturnStdDev(samples)
	t.Recovery.VolumeTrend = t.volumeTrend(now)
	t.Recovery.BuyPressure = buyPressure(samples)

	structure := marketStructure(samples)
	if structure == StructureBearish && t.Recovery.Structure != StructureBearish {
		t.Recovery.LastBearishAt = now
	}
	t.Recovery.Structure = structure

	t.Recovery.Strength = t.recoveryStrength()
	t.Recovery.StrengthTotal = clamp(t.Recovery.Strength*100, 0, 100)

	t.Recovery.OverallHealth = overallHealth(structure, t.Recovery.VolumeTrend, t.Recovery.BuyPressure)
	t.Recovery.Phase = nextPhase(t.Recovery.Phase, t.Recovery.Strength, t.Recovery.BuyPressure, structure)
	t.Recovery.UpdatedAt = now
}

// logReturnStdDev is the standard deviation of log-returns over the
// sample ring. 0 with fewer than 2 samples.
func logReturnStdDev(samples []priceSample) float64 {
	if len(samples) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev, _ := samples[i-1].price.Float64()
		cur, _ := samples[i].price.Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 1 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// volumeTrend compares first-half vs second-half mean volume over the
// 1-minute window.
func (t *Token) volumeTrend(now time.Time) string {
	cutoff := now.Add(-time.Minute)
	var recent []volumeSample
	for _, v := range t.volumes {
		if v.ts.After(cutoff) {
			recent = append(recent, v)
		}
	}
	if len(recent) < 4 {
		return VolumeStable
	}

	half := len(recent) / 2
	var first, second float64
	for _, v := range recent[:half] {
		first += v.sol
	}
	for _, v := range recent[half:] {
		second += v.sol
	}
	first /= float64(half)
	second /= float64(len(recent) - half)

	if first <= 0 {
		return VolumeStable
	}
	switch ratio := second / first; {
	case ratio > 1.2:
		return VolumeIncreasing
	case ratio < 0.8:
		return VolumeDecreasing
	default:
		return VolumeStable
	}
}

// recoveryStrength is the rebound from the drawdown low scaled by the
// volume trend (1.2 increasing, 1.0 stable, 0.8 decreasing).
func (t *Token) recoveryStrength() float64 {
	if t.DrawdownLow == nil || !t.DrawdownLow.IsPositive() {
		return 0
	}
	f, _ := t.MarketCapSol.Sub(*t.DrawdownLow).Div(*t.DrawdownLow).Float64()
	if f < 0 {
		f = 0
	}

	switch t.Recovery.VolumeTrend {
	case VolumeIncreasing:
		return f * 1.2
	case VolumeDecreasing:
		return f * 0.8
	default:
		return f
	}
}

// buyPressure is buy-candle fraction times buy-volume fraction over
// the last 5 samples.
func buyPressure(samples []priceSample) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	if n > 5 {
		samples = samples[n-5:]
	}

	var buyCandles int
	var buyVol, totalVol float64
	for _, s := range samples {
		totalVol += s.volumeSol
		if s.side == "buy" {
			buyCandles++
			buyVol += s.volumeSol
		}
	}
	if totalVol <= 0 {
		return 0
	}

	candleFrac := float64(buyCandles) / float64(len(samples))
	volFrac := buyVol / totalVol
	return candleFrac * volFrac
}

// marketStructure classifies the last 5 highs/lows: ≥3 higher-highs
// and ≥2 higher-lows is bullish; ≤1 of each is bearish.
func marketStructure(samples []priceSample) string {
	n := len(samples)
	if n < 5 {
		return StructureNeutral
	}
	window := samples[n-5:]

	var higherHighs, higherLows int
	for i := 1; i < len(window); i++ {
		prev, _ := window[i-1].price.Float64()
		cur, _ := window[i].price.Float64()
		if cur > prev {
			higherHighs++
		}
		if cur >= prev {
			higherLows++
		}
	}

	switch {
	case higherHighs >= 3 && higherLows >= 2:
		return StructureBullish
	case higherHighs <= 1 && higherLows <= 1:
		return StructureBearish
	default:
		return StructureNeutral
	}
}

// overallHealth blends structure, volume trend and buy pressure into
// one [0,1] score.
func overallHealth(structure, volumeTrend string, buyPressure float64) float64 {
	var structScore float64
	switch structure {
	case StructureBullish:
		structScore = 1.0
	case StructureNeutral:
		structScore = 0.5
	}

	var volScore float64
	switch volumeTrend {
	case VolumeIncreasing:
		volScore = 1.0
	case VolumeStable:
		volScore = 0.5
	}

	return (structScore + volScore + buyPressure) / 3
}

// nextPhase advances the recovery phase. Unmatched conditions leave
// the phase unchanged.
func nextPhase(current string, strength, buyPressure float64, structure string) string {
	switch {
	case strength < 0.1:
		return PhaseNone
	case strength < 0.3 && buyPressure > 0.6:
		return PhaseAccumulation
	case strength >= 0.3 && structure == StructureBullish:
		return PhaseExpansion
	case strength >= 0.5 && buyPressure < 0.4:
		return PhaseDistribution
	default:
		return current
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
