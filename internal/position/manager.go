package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/execution"
	"github.com/ember-trading/ember/internal/feed"
	"github.com/ember-trading/ember/internal/token"
)

// Simulator fills simulated orders. The execution package provides
// the production implementation.
type Simulator interface {
	Execute(ctx context.Context, side feed.Side, sizeSol, price, marketCapSol decimal.Decimal) (execution.Fill, error)
}

// TokenSource is the token registry surface the manager needs.
type TokenSource interface {
	View(mint string, now time.Time) (token.TokenView, bool)
	MarkPositionOpened(mint string, now time.Time)
	MarkPositionClosed(mint string, now time.Time)
}

// Manager owns all positions, the wallet ledger and the risk gates.
// Position state and the exit engine are only touched under mu; exit
// fills run outside it against values frozen at claim time.
type Manager struct {
	cfg    *config.Config
	bus    *bus.Bus
	sim    Simulator
	tokens TokenSource
	exits  *ExitEngine

	mu      sync.Mutex
	open    map[string]*Position // by mint, at most one per mint
	closed  []*Position          // retained until the next snapshot cycle
	exiting map[string]bool      // mints with a sell fill in flight

	wallet    decimal.Decimal // free SOL
	dailyLoss float64         // realized losses today, SOL
	dayAnchor time.Time
	wins      int
	losses    int
}

// NewManager creates a Manager with the configured starting wallet.
func NewManager(cfg *config.Config, b *bus.Bus, sim Simulator, tokens TokenSource) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     b,
		sim:     sim,
		tokens:  tokens,
		exits:   NewExitEngine(cfg),
		open:    make(map[string]*Position),
		exiting: make(map[string]bool),
		wallet:  decimal.NewFromFloat(cfg.Position.InitialWalletSOL),
	}
}

// Bind subscribes the manager to the entry signal and the token
// update stream.
func (m *Manager) Bind(ctx context.Context) {
	m.bus.Subscribe(bus.TopicReadyForPosition, func(payload any) {
		evt := payload.(bus.ReadyForPosition)
		if err := m.TryOpen(ctx, evt.Mint, evt.Timestamp); err != nil {
			log.Debug().Err(err).Str("mint", evt.Mint).Msg("positions: entry rejected")
		}
	})
	m.bus.Subscribe(bus.TopicTokenUpdated, func(payload any) {
		evt := payload.(bus.TokenUpdated)
		m.OnTokenUpdate(ctx, evt)
	})
}

// TryOpen runs the risk gates and, when they pass, opens a simulated
// position on mint. A non-nil error names the rejection.
func (m *Manager) TryOpen(ctx context.Context, mint string, now time.Time) error {
	view, ok := m.tokens.View(mint, now)
	if !ok {
		return fmt.Errorf("positions: unknown mint %s", mint)
	}

	m.mu.Lock()
	m.rollDay(now)

	if _, dup := m.open[mint]; dup {
		m.mu.Unlock()
		return fmt.Errorf("positions: already holding %s", mint)
	}
	if len(m.open) >= m.cfg.Position.MaxPositions {
		m.mu.Unlock()
		return fmt.Errorf("positions: max positions (%d) reached", m.cfg.Position.MaxPositions)
	}
	if m.dailyLoss >= m.cfg.Position.MaxDailyLossSOL {
		m.mu.Unlock()
		return fmt.Errorf("positions: daily loss floor reached (%.2f SOL)", m.dailyLoss)
	}
	if rr := m.cfg.Position.ProfitPct / m.cfg.Position.StopLossPct; rr < m.cfg.Position.MinRiskReward {
		m.mu.Unlock()
		return fmt.Errorf("positions: risk/reward %.2f below minimum %.2f", rr, m.cfg.Position.MinRiskReward)
	}

	size := m.positionSize(view)
	sizeF, _ := size.Float64()
	if sizeF <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("positions: sizing produced nothing for %s", mint)
	}
	if size.GreaterThan(m.wallet) {
		m.mu.Unlock()
		return fmt.Errorf("positions: wallet balance %s below size %s", m.wallet, size)
	}

	equity := m.wallet
	committed := decimal.Zero
	for _, p := range m.open {
		equity = equity.Add(p.SizeSol)
		committed = committed.Add(p.SizeSol)
	}
	exposure, _ := committed.Add(size).Div(equity).Float64()
	if exposure > m.cfg.Position.MaxExposure {
		m.mu.Unlock()
		return fmt.Errorf("positions: exposure %.2f above limit %.2f", exposure, m.cfg.Position.MaxExposure)
	}
	m.mu.Unlock()

	// The fill suspends for the simulated network and confirmation
	// delays; shutdown cancels it.
	fill, err := m.sim.Execute(ctx, feed.SideBuy, size, view.CurrentPrice, view.MarketCapSol)
	if err != nil {
		return fmt.Errorf("positions: entry fill: %w", err)
	}

	pos := newPosition(mint, fill.ExecutionPrice, size, now)

	m.mu.Lock()
	if _, dup := m.open[mint]; dup {
		m.mu.Unlock()
		return fmt.Errorf("positions: already holding %s", mint)
	}
	m.open[mint] = pos
	m.wallet = m.wallet.Sub(size)
	m.mu.Unlock()

	m.tokens.MarkPositionOpened(mint, now)

	log.Info().
		Str("mint", mint).
		Str("size_sol", size.String()).
		Str("entry", fill.ExecutionPrice.String()).
		Float64("impact_pct", fill.PriceImpactPct).
		Msg("positions: opened")

	m.bus.Publish(bus.TopicPositionOpened, bus.PositionOpened{
		BaseEvent:  bus.NewBaseEvent("position-manager"),
		PositionID: pos.ID,
		Mint:       mint,
		EntryPrice: fill.ExecutionPrice,
		SizeSol:    size,
	})
	return nil
}

// positionSize applies the sizing rule: market-cap proportional,
// clamped, volatility-scaled, capped by per-trade wallet risk.
func (m *Manager) positionSize(view token.TokenView) decimal.Decimal {
	pc := m.cfg.Position
	mcap, _ := view.MarketCapSol.Float64()

	size := mcap * pc.Ratio
	if size < pc.MinSOL {
		size = pc.MinSOL
	}
	if size > pc.MaxSOL {
		size = pc.MaxSOL
	}

	if pc.UseDynamicSizing {
		scale := 1 - view.Recovery.Volatility*pc.VolatilityScaling
		if scale < 0 {
			scale = 0
		}
		size *= scale
	}

	walletF, _ := m.wallet.Float64()
	if riskCap := walletF * pc.MaxRiskPerTrade; size > riskCap {
		size = riskCap
	}
	return decimal.NewFromFloat(size)
}

// OnTokenUpdate feeds the exit engine for the mint's position, if any.
// The decision and the exit claim happen atomically under the lock so
// concurrent evaluators cannot double-apply an exit.
func (m *Manager) OnTokenUpdate(ctx context.Context, evt bus.TokenUpdated) {
	m.mu.Lock()
	pos, ok := m.open[evt.Mint]
	busy := m.exiting[evt.Mint]
	m.mu.Unlock()
	if !ok || busy {
		return
	}

	view, ok := m.tokens.View(evt.Mint, evt.Timestamp)
	if !ok {
		return
	}

	now := evt.Timestamp
	sol, _ := evt.AmountSol.Float64()

	m.mu.Lock()
	if m.open[evt.Mint] != pos || m.exiting[evt.Mint] {
		m.mu.Unlock()
		return
	}
	pos.updatePrice(evt.Price, sol, now)
	decision := m.exits.Evaluate(pos, marketViewOf(view), now)
	if !decision.Exit {
		m.mu.Unlock()
		return
	}
	order := m.claimExit(pos, decision.Fraction)
	m.mu.Unlock()

	m.settleExit(ctx, pos, order, view.MarketCapSol, decision.Reason, now)
}

// marketViewOf projects the registry snapshot into the exit engine's
// input.
func marketViewOf(view token.TokenView) MarketView {
	return MarketView{
		Price:         view.CurrentPrice,
		MarketCapSol:  view.MarketCapSol,
		Volume5m:      view.Volume5m,
		StrengthTotal: view.Recovery.StrengthTotal,
		BuyPressure:   view.Recovery.BuyPressure,
		Structure:     view.Recovery.Structure,
		Phase:         view.Recovery.Phase,
		LastBearishAt: view.Recovery.LastBearishAt,
	}
}

// exitOrder freezes the sell parameters at claim time.
type exitOrder struct {
	fraction float64
	notional decimal.Decimal
	price    decimal.Decimal
}

// claimExit reserves the position's exit path and freezes the order.
// Caller holds m.mu and has verified the position is open with no
// exit in flight.
func (m *Manager) claimExit(pos *Position, fraction float64) exitOrder {
	if fraction > pos.RemainingFraction {
		fraction = pos.RemainingFraction
	}
	m.exiting[pos.Mint] = true
	return exitOrder{
		fraction: fraction,
		notional: pos.SizeSol.Mul(decimal.NewFromFloat(fraction)),
		price:    pos.CurrentPrice,
	}
}

// forceExit takes the whole remaining position off, serialized against
// any exit already in flight.
func (m *Manager) forceExit(ctx context.Context, pos *Position, marketCap decimal.Decimal, reason string, now time.Time) {
	m.mu.Lock()
	if m.open[pos.Mint] != pos || m.exiting[pos.Mint] || pos.Status != StatusOpen {
		m.mu.Unlock()
		return
	}
	order := m.claimExit(pos, pos.RemainingFraction)
	m.mu.Unlock()

	m.settleExit(ctx, pos, order, marketCap, reason, now)
}

// settleExit fills a claimed order through the simulator and applies
// the result. Exactly one settle runs per claim, so a position closes
// at most once.
func (m *Manager) settleExit(ctx context.Context, pos *Position, order exitOrder, marketCap decimal.Decimal, reason string, now time.Time) {
	fill, err := m.sim.Execute(ctx, feed.SideSell, order.notional, order.price, marketCap)

	m.mu.Lock()
	delete(m.exiting, pos.Mint)
	if err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("positions: exit fill failed")
		return
	}

	m.rollDay(now)
	closed := pos.applyExit(order.fraction, fill.ExecutionPrice, reason, now)
	exitRec := pos.PartialExits[len(pos.PartialExits)-1]

	// Proceeds scale with the execution price relative to entry.
	proceeds := order.notional.Mul(fill.ExecutionPrice).Div(pos.EntryPrice)
	m.wallet = m.wallet.Add(proceeds)
	if exitRec.PnLPct < 0 {
		lost, _ := order.notional.Sub(proceeds).Float64()
		m.dailyLoss += lost
	}

	var pnlSol float64
	remaining := pos.RemainingFraction
	if closed {
		delete(m.open, pos.Mint)
		m.closed = append(m.closed, pos)
		pnlSol = pos.realizedPnLSol()
		if pnlSol >= 0 {
			m.wins++
		} else {
			m.losses++
		}
		m.exits.Dispose(pos.ID)
	}
	m.mu.Unlock()

	if closed {
		m.tokens.MarkPositionClosed(pos.Mint, now)

		log.Info().
			Str("mint", pos.Mint).
			Str("reason", reason).
			Float64("pnl_sol", pnlSol).
			Msg("positions: closed")

		m.bus.Publish(bus.TopicPositionClosed, bus.PositionClosed{
			BaseEvent:  bus.NewBaseEvent("position-manager"),
			PositionID: pos.ID,
			Mint:       pos.Mint,
			ExitPrice:  fill.ExecutionPrice,
			PnLPct:     exitRec.PnLPct,
			Reason:     reason,
		})
		return
	}

	log.Info().
		Str("mint", pos.Mint).
		Float64("fraction", exitRec.Fraction).
		Str("reason", reason).
		Float64("remaining", remaining).
		Msg("positions: partial exit")

	m.bus.Publish(bus.TopicPositionPartialExit, bus.PositionPartialExit{
		BaseEvent:  bus.NewBaseEvent("position-manager"),
		PositionID: pos.ID,
		Mint:       pos.Mint,
		Fraction:   exitRec.Fraction,
		Price:      fill.ExecutionPrice,
		PnLPct:     exitRec.PnLPct,
		Reason:     reason,
	})
}

// ValidateAll re-checks safety and age for every open position.
// Scheduled every minute.
func (m *Manager) ValidateAll(ctx context.Context, now time.Time) {
	m.mu.Lock()
	positions := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		positions = append(positions, p)
	}
	m.mu.Unlock()

	maxHold := time.Duration(m.cfg.Position.MaxHoldMs) * time.Millisecond
	for _, pos := range positions {
		view, ok := m.tokens.View(pos.Mint, now)
		if !ok {
			continue
		}

		if !view.SafetyOK {
			log.Warn().
				Str("mint", pos.Mint).
				Str("reason", view.SafetyReason).
				Msg("positions: safety re-check failed, forcing exit")
			m.forceExit(ctx, pos, view.MarketCapSol, ReasonSafetyViolation, now)
			continue
		}

		if maxHold > 0 && pos.HeldFor(now) > maxHold {
			m.forceExit(ctx, pos, view.MarketCapSol, ReasonMaxHoldTime, now)
		}
	}
}

// CloseAll exits every open position. The shutdown path.
func (m *Manager) CloseAll(ctx context.Context, reason string, now time.Time) {
	m.mu.Lock()
	positions := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		positions = append(positions, p)
	}
	m.mu.Unlock()

	for _, pos := range positions {
		view, ok := m.tokens.View(pos.Mint, now)
		if !ok {
			continue
		}
		m.forceExit(ctx, pos, view.MarketCapSol, reason, now)
	}
}

// rollDay resets the daily loss ledger on a date change. Caller holds
// the lock.
func (m *Manager) rollDay(now time.Time) {
	if m.dayAnchor.IsZero() {
		m.dayAnchor = now
		return
	}
	if now.YearDay() != m.dayAnchor.YearDay() || now.Year() != m.dayAnchor.Year() {
		m.dailyLoss = 0
		m.dayAnchor = now
	}
}

// Open returns the open position for mint, or nil.
func (m *Manager) Open(mint string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[mint]
}

// Export returns all positions, open and recently closed, for
// snapshotting.
func (m *Manager) Export() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Position, 0, len(m.open)+len(m.closed))
	for _, p := range m.open {
		out = append(out, p)
	}
	out = append(out, m.closed...)
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Restore loads snapshotted positions. Open ones resume management;
// closed ones return to the reporting log.
func (m *Manager) Restore(positions []*Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range positions {
		switch p.Status {
		case StatusOpen:
			m.open[p.Mint] = p
			m.wallet = m.wallet.Sub(p.SizeSol)
		case StatusClosed:
			m.closed = append(m.closed, p)
		}
	}
	log.Info().Int("open", len(m.open)).Int("closed", len(m.closed)).Msg("positions: state restored")
}

// DropClosed clears the closed-position log after a snapshot cycle.
func (m *Manager) DropClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = nil
}

// ManagerStats is a point-in-time summary.
type ManagerStats struct {
	OpenPositions int     `json:"open_positions"`
	WalletSol     float64 `json:"wallet_sol"`
	DailyLossSol  float64 `json:"daily_loss_sol"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
}

func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, _ := m.wallet.Float64()
	return ManagerStats{
		OpenPositions: len(m.open),
		WalletSol:     wallet,
		DailyLossSol:  m.dailyLoss,
		Wins:          m.wins,
		Losses:        m.losses,
	}
}
