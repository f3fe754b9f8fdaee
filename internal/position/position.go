package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	priceRingCap     = 60
	profitHistoryCap = 30
)

// Status is the position lifecycle. Closure is terminal.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// PartialExit records one reduction of the position.
type PartialExit struct {
	Fraction  float64         `json:"fraction"`
	Price     decimal.Decimal `json:"price"`
	PnLPct    float64         `json:"pnl_pct"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

type volumePoint struct {
	sol float64
	ts  time.Time
}

// Position is one simulated holding. Owned by the Manager.
type Position struct {
	ID   string `json:"id"`
	Mint string `json:"mint"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	SizeSol    decimal.Decimal `json:"size_sol"` // initial notional

	// RemainingFraction is always 1 minus the sum of partial exit
	// fractions. Monotonically non-increasing.
	RemainingFraction float64 `json:"remaining_fraction"`

	CurrentPrice decimal.Decimal `json:"current_price"`
	HighestPrice decimal.Decimal `json:"highest_price"`
	LowestPrice  decimal.Decimal `json:"lowest_price"`

	MaxUpsidePct   float64 `json:"max_upside_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	EntryTime time.Time `json:"entry_time"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	PartialExits []PartialExit `json:"partial_exits"`
	Status       Status        `json:"status"`
	CloseReason  string        `json:"close_reason,omitempty"`

	prices        []pricePoint  // ring, newest last
	volumes       []volumePoint // 5-minute sliding window
	profitHistory []float64     // recent pnl samples, newest last
}

// newPosition opens a position at the simulated execution price.
func newPosition(mint string, entryPrice, sizeSol decimal.Decimal, at time.Time) *Position {
	return &Position{
		ID:                uuid.NewString(),
		Mint:              mint,
		EntryPrice:        entryPrice,
		SizeSol:           sizeSol,
		RemainingFraction: 1,
		CurrentPrice:      entryPrice,
		HighestPrice:      entryPrice,
		LowestPrice:       entryPrice,
		EntryTime:         at,
		Status:            StatusOpen,
	}
}

// updatePrice folds a market observation into the position.
func (p *Position) updatePrice(price decimal.Decimal, volumeSol float64, now time.Time) {
	if !price.IsPositive() {
		return
	}
	p.CurrentPrice = price

	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}
	if price.LessThan(p.LowestPrice) {
		p.LowestPrice = price
	}

	pnl := p.PnLPct()
	if pnl > p.MaxUpsidePct {
		p.MaxUpsidePct = pnl
	}
	if pnl < p.MaxDrawdownPct {
		p.MaxDrawdownPct = pnl
	}

	p.prices = append(p.prices, pricePoint{price: price, ts: now})
	if len(p.prices) > priceRingCap {
		p.prices = p.prices[len(p.prices)-priceRingCap:]
	}

	p.profitHistory = append(p.profitHistory, pnl)
	if len(p.profitHistory) > profitHistoryCap {
		p.profitHistory = p.profitHistory[len(p.profitHistory)-profitHistoryCap:]
	}

	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for ; i < len(p.volumes); i++ {
		if p.volumes[i].ts.After(cutoff) {
			break
		}
	}
	p.volumes = append(p.volumes[i:], volumePoint{sol: volumeSol, ts: now})
}

// PnLPct is the unrealized gain at the current price.
func (p *Position) PnLPct() float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	f, _ := p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
	return f * 100
}

// pnlPctAt computes the gain at an arbitrary execution price.
func (p *Position) pnlPctAt(price decimal.Decimal) float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	f, _ := price.Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
	return f * 100
}

// applyExit reduces the position by fraction at price. Returns true
// when the position is fully closed by this exit.
func (p *Position) applyExit(fraction float64, price decimal.Decimal, reason string, now time.Time) bool {
	if fraction > p.RemainingFraction {
		fraction = p.RemainingFraction
	}

	p.PartialExits = append(p.PartialExits, PartialExit{
		Fraction:  fraction,
		Price:     price,
		PnLPct:    p.pnlPctAt(price),
		Reason:    reason,
		Timestamp: now,
	})
	p.RemainingFraction -= fraction

	if p.RemainingFraction <= 1e-9 {
		p.RemainingFraction = 0
		p.Status = StatusClosed
		p.ClosedAt = now
		p.CloseReason = reason
		return true
	}
	return false
}

// exitedFraction sums the partial exit fractions.
func (p *Position) exitedFraction() float64 {
	var sum float64
	for _, e := range p.PartialExits {
		sum += e.Fraction
	}
	return sum
}

// realizedPnLSol is the realized profit in SOL across all exits.
func (p *Position) realizedPnLSol() float64 {
	size, _ := p.SizeSol.Float64()
	var pnl float64
	for _, e := range p.PartialExits {
		pnl += size * e.Fraction * e.PnLPct / 100
	}
	return pnl
}

// volume5m sums the observed volume inside the 5-minute window.
func (p *Position) volume5m(now time.Time) float64 {
	cutoff := now.Add(-5 * time.Minute)
	var sum float64
	for _, v := range p.volumes {
		if v.ts.After(cutoff) {
			sum += v.sol
		}
	}
	return sum
}

// HeldFor is the position's age.
func (p *Position) HeldFor(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}
