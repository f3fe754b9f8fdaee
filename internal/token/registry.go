package token

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/feed"
)

// RateSource supplies the SOL/USD conversion rate.
type RateSource interface {
	SolUsdRate() float64
}

// TokenSubscriber manages per-mint feed subscriptions. The feed's
// subscription controller implements it.
type TokenSubscriber interface {
	SubscribeToken(mint string)
	UnsubscribeToken(mint string)
}

// Registry owns the mint -> Token map. It is the only component that
// mutates tokens; everything downstream observes via the bus or the
// snapshot accessors.
type Registry struct {
	cfg   *config.Config
	bus   *bus.Bus
	subs  TokenSubscriber
	rates RateSource

	mu     sync.RWMutex
	tokens map[string]*Token

	// onTrade forwards every accepted trade, with the derived
	// counterparty, to the trader registry.
	onTrade func(evt *feed.TradeEvent, counterparty string)

	created        atomic.Int64
	droppedHighCap atomic.Int64
	droppedOrphan  atomic.Int64
}

// NewRegistry creates a Registry.
func NewRegistry(cfg *config.Config, b *bus.Bus, subs TokenSubscriber, rates RateSource) *Registry {
	return &Registry{
		cfg:    cfg,
		bus:    b,
		subs:   subs,
		rates:  rates,
		tokens: make(map[string]*Token),
	}
}

// SetOnTrade wires the trader registry's recordTrade path.
func (r *Registry) SetOnTrade(fn func(evt *feed.TradeEvent, counterparty string)) {
	r.onTrade = fn
}

// OnCreate handles a token launch. High-cap launches are dropped at
// the gate; duplicate creates are idempotent.
func (r *Registry) OnCreate(evt *feed.CreateEvent) {
	mcapSol, _ := evt.MarketCapSol.Float64()
	mcapUsd := mcapSol * r.rates.SolUsdRate()
	if mcapUsd > r.cfg.MarketCap.MaxEntryUSD {
		r.droppedHighCap.Add(1)
		log.Debug().
			Str("mint", evt.Mint).
			Float64("mcap_usd", mcapUsd).
			Msg("registry: launch above entry cap, ignored")
		return
	}

	r.mu.Lock()
	if _, ok := r.tokens[evt.Mint]; ok {
		r.mu.Unlock()
		return
	}
	tok := newToken(evt)
	r.tokens[evt.Mint] = tok
	r.mu.Unlock()

	r.created.Add(1)
	r.subs.SubscribeToken(evt.Mint)

	log.Info().
		Str("mint", evt.Mint).
		Str("symbol", evt.Symbol).
		Float64("mcap_usd", mcapUsd).
		Msg("registry: token added")

	r.bus.Publish(bus.TopicTokenAdded, bus.TokenAdded{
		BaseEvent:    bus.NewBaseEvent("token-registry"),
		Mint:         evt.Mint,
		Symbol:       evt.Symbol,
		CreatorKey:   evt.CreatorKey,
		MarketCapSol: evt.MarketCapSol,
	})
}

// OnTrade routes a trade to its token. Trades for unknown or dead
// mints are dropped.
func (r *Registry) OnTrade(evt *feed.TradeEvent) {
	r.mu.Lock()
	tok, ok := r.tokens[evt.Mint]
	if !ok || tok.state == StateDead {
		r.mu.Unlock()
		r.droppedOrphan.Add(1)
		return
	}

	tok.update(evt)
	counterparty := tok.counterpartyFor(evt.TraderKey)
	metrics := tok.Recovery
	r.mu.Unlock()

	if r.onTrade != nil {
		r.onTrade(evt, counterparty)
	}

	r.bus.Publish(bus.TopicTokenUpdated, bus.TokenUpdated{
		BaseEvent:    bus.NewBaseEvent("token-registry"),
		Mint:         evt.Mint,
		Price:        evt.Curve.Price(),
		MarketCapSol: evt.MarketCapSol,
		Side:         string(evt.Side),
		AmountSol:    evt.SolAmount,
	})
	r.bus.Publish(bus.TopicRecoveryMetricsUpdated, bus.RecoveryMetricsUpdated{
		BaseEvent:     bus.NewBaseEvent("token-registry"),
		Mint:          evt.Mint,
		StrengthTotal: metrics.StrengthTotal,
		BuyPressure:   metrics.BuyPressure,
		Phase:         metrics.Phase,
		Structure:     metrics.Structure,
	})
}

// pendingEvent defers bus publishes until the registry lock is
// released, since handlers may call back into the registry.
type pendingEvent struct {
	topic   bus.Topic
	payload any
}

// EvaluateAll runs the state predicates over every live token.
// Scheduled periodically; also safe to call between feed events.
func (r *Registry) EvaluateAll(now time.Time) {
	r.mu.Lock()
	var pending []pendingEvent
	for _, tok := range r.tokens {
		if tok.state == StateDead {
			continue
		}
		pending = append(pending, r.evaluate(tok, now)...)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.bus.Publish(p.topic, p.payload)
	}
}

// evaluate applies the predicate checks to one token in fixed
// priority: dead, then drawdown, then recovery resolution, then pump
// escalation. Caller holds the lock.
func (r *Registry) evaluate(tok *Token, now time.Time) []pendingEvent {
	var out []pendingEvent
	th := r.cfg.Thresholds

	if r.isDead(tok, now) {
		out = append(out, r.moveTo(tok, StateDead, now)...)
		return out
	}

	switch tok.state {
	case StateNew, StateHeatingUp:
		if r.isFirstPump(tok, now) {
			out = append(out, r.moveTo(tok, StateFirstPump, now)...)
		} else if tok.state == StateNew && r.isHeatingUp(tok, now) {
			out = append(out, r.moveTo(tok, StateHeatingUp, now)...)
		}

	case StateFirstPump:
		if r.isInDrawdown(tok) {
			out = append(out, r.moveTo(tok, StateDrawdown, now)...)
		}

	case StateDrawdown:
		if r.isRecovering(tok) {
			out = append(out, r.moveTo(tok, StateRecovery, now)...)
		}

	case StateRecovery:
		// Relapse: the rebound collapsed, re-anchor a new drawdown.
		if tok.Recovery.StrengthTotal < th.MinRecoveryStrength/2 ||
			tok.Recovery.Structure == StructureBearish {
			out = append(out, r.moveTo(tok, StateDrawdown, now)...)
			return out
		}
		out = append(out, r.checkEntry(tok, now)...)
	}

	return out
}

// checkEntry gates a recovery token into a position signal. Safety
// failures park the token as unsafe; a late pass is only accepted
// while the rebound is still below the safe-gain ceiling.
func (r *Registry) checkEntry(tok *Token, now time.Time) []pendingEvent {
	if tok.readySignaled {
		return nil
	}

	ok, reason := tok.CheckSafety(r.cfg.Safety)
	if !ok {
		if !tok.Unsafe || tok.UnsafeReason != reason {
			tok.Unsafe = true
			tok.UnsafeReason = reason
			log.Warn().
				Str("mint", tok.Mint).
				Str("reason", reason).
				Msg("registry: recovery flagged unsafe")
		}
		return nil
	}

	gain := tok.GainFromBottomPct()
	if tok.Unsafe {
		// The token cleared its safety failure late. Entry is only
		// still attractive if the rebound has not run away.
		if gain > r.cfg.Thresholds.SafeRecoveryGainPct {
			evts := []pendingEvent{{
				topic: bus.TopicRecoveryGainTooHigh,
				payload: bus.RecoveryGainTooHigh{
					BaseEvent:      bus.NewBaseEvent("token-registry"),
					Mint:           tok.Mint,
					GainFromBottom: gain,
					Limit:          r.cfg.Thresholds.SafeRecoveryGainPct,
				},
			}}
			evts = append(evts, r.moveTo(tok, StateDrawdown, now)...)
			return evts
		}
		tok.Unsafe = false
		tok.UnsafeReason = ""
	}

	tok.readySignaled = true
	return []pendingEvent{{
		topic: bus.TopicReadyForPosition,
		payload: bus.ReadyForPosition{
			BaseEvent:      bus.NewBaseEvent("token-registry"),
			Mint:           tok.Mint,
			MarketCapSol:   tok.MarketCapSol,
			Price:          tok.CurrentPrice,
			GainFromBottom: gain,
			StrengthTotal:  tok.Recovery.StrengthTotal,
		},
	}}
}

// moveTo performs a table transition and queues the state event.
// Invalid edges are logged and ignored; the evaluator retries on the
// next pass.
func (r *Registry) moveTo(tok *Token, next State, now time.Time) []pendingEvent {
	prev := tok.state
	if err := tok.TransitionTo(next, now); err != nil {
		log.Warn().Err(err).Msg("registry: transition rejected")
		return nil
	}

	if next == StateDead {
		r.subs.UnsubscribeToken(tok.Mint)
	}

	return []pendingEvent{{
		topic: bus.TopicTokenStateChanged,
		payload: bus.TokenStateChanged{
			BaseEvent: bus.NewBaseEvent("token-registry"),
			Mint:      tok.Mint,
			PrevState: string(prev),
			NewState:  string(next),
		},
	}}
}

// Predicates. Momentum is measured over a 5-minute lookback; volume
// baselines are per-5-minute averages over the longer window.

func (r *Registry) isHeatingUp(tok *Token, now time.Time) bool {
	th := r.cfg.Thresholds
	avg := tok.avgVolumePer5m(30*time.Minute, now)
	return tok.priceMomentumPct(5*time.Minute, now) > th.HeatingUpMomentumPct &&
		avg > 0 && tok.VolumeSOL(5*time.Minute, now) > 1.5*avg
}

func (r *Registry) isFirstPump(tok *Token, now time.Time) bool {
	th := r.cfg.Thresholds
	avg := tok.avgVolumePer5m(30*time.Minute, now)
	return tok.priceMomentumPct(5*time.Minute, now) > th.FirstPumpMomentumPct &&
		avg > 0 && tok.VolumeSOL(5*time.Minute, now) > 2*avg &&
		tok.Recovery.BuyPressure > th.MinBuyPressure &&
		tok.Recovery.OverallHealth > th.MinStructureScore
}

func (r *Registry) isInDrawdown(tok *Token) bool {
	th := r.cfg.Thresholds
	now := tok.LastTradeAt
	return tok.drawdownPct() <= -th.PumpDrawdownPct &&
		tok.VolumeSOL(5*time.Minute, now) >= th.SignificantVolumeSOL &&
		tok.Recovery.OverallHealth >= 0.7*th.MinStructureScore
}

func (r *Registry) isRecovering(tok *Token) bool {
	th := r.cfg.Thresholds
	return tok.Recovery.StrengthTotal >= th.MinRecoveryStrength &&
		tok.Recovery.BuyPressure >= th.MinBuyPressure &&
		tok.Recovery.OverallHealth >= th.MinStructureScore &&
		tok.Recovery.Volatility <= th.MaxRecoveryVolatility
}

// deadGraceTrades stops a fresh token with no flow from being marked
// dead before it has a chance to move.
const deadGraceTrades = 5

func (r *Registry) isDead(tok *Token, now time.Time) bool {
	if tok.TradeCount < deadGraceTrades && now.Sub(tok.CreatedAt) < time.Minute {
		return false
	}

	th := r.cfg.Thresholds
	if tok.Recovery.OverallHealth < 0.5*th.MinStructureScore && tok.TradeCount >= deadGraceTrades {
		return true
	}

	halfHourAvg := tok.VolumeSOL(60*time.Minute, now) / 2
	if halfHourAvg > 0 && tok.VolumeSOL(30*time.Minute, now) < 0.2*halfHourAvg {
		return true
	}

	rate := r.rates.SolUsdRate()
	if rate > 0 {
		mcap, _ := tok.MarketCapSol.Float64()
		if mcap < r.cfg.MarketCap.DeadUSD/rate {
			return true
		}
	}
	return false
}

// MarkPositionOpened moves a recovery token to open. Called when the
// position manager fills an entry on this mint.
func (r *Registry) MarkPositionOpened(mint string, now time.Time) {
	r.mu.Lock()
	tok, ok := r.tokens[mint]
	var pending []pendingEvent
	if ok {
		pending = r.moveTo(tok, StateOpen, now)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.bus.Publish(p.topic, p.payload)
	}
}

// MarkPositionClosed retires the token after its position closed; a
// run per mint is one-shot.
func (r *Registry) MarkPositionClosed(mint string, now time.Time) {
	r.mu.Lock()
	tok, ok := r.tokens[mint]
	var pending []pendingEvent
	if ok && tok.state != StateDead {
		pending = r.moveTo(tok, StateDead, now)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.bus.Publish(p.topic, p.payload)
	}
}

// get returns the live token for mint, or nil. Registry-internal:
// the pointer is only safe to touch under r.mu.
func (r *Registry) get(mint string) *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[mint]
}

// TokenView is a value snapshot of one token, assembled under the
// registry lock. Everything outside the registry reads tokens through
// views; the live Token is never handed out.
type TokenView struct {
	Mint         string
	State        State
	CurrentPrice decimal.Decimal
	MarketCapSol decimal.Decimal
	Volume5m     float64
	Recovery     RecoveryMetrics
	SafetyOK     bool
	SafetyReason string
}

// View snapshots the token for mint as of now. ok is false for
// unknown mints.
func (r *Registry) View(mint string, now time.Time) (TokenView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok, ok := r.tokens[mint]
	if !ok {
		return TokenView{}, false
	}
	safe, reason := tok.CheckSafety(r.cfg.Safety)
	return TokenView{
		Mint:         tok.Mint,
		State:        tok.state,
		CurrentPrice: tok.CurrentPrice,
		MarketCapSol: tok.MarketCapSol,
		Volume5m:     tok.VolumeSOL(5*time.Minute, now),
		Recovery:     tok.Recovery,
		SafetyOK:     safe,
		SafetyReason: reason,
	}, true
}

// Len returns the number of tracked tokens, dead included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// EvictDead drops dead tokens idle for longer than maxAge.
func (r *Registry) EvictDead(maxAge time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for mint, tok := range r.tokens {
		if tok.state == StateDead && now.Sub(tok.stateEnteredAt) > maxAge {
			delete(r.tokens, mint)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("registry: dead tokens evicted")
	}
	return evicted
}

// RegistryStats is a point-in-time counter snapshot.
type RegistryStats struct {
	Tracked        int   `json:"tracked"`
	Created        int64 `json:"created"`
	DroppedHighCap int64 `json:"dropped_high_cap"`
	DroppedOrphan  int64 `json:"dropped_orphan"`
}

func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Tracked:        r.Len(),
		Created:        r.created.Load(),
		DroppedHighCap: r.droppedHighCap.Load(),
		DroppedOrphan:  r.droppedOrphan.Load(),
	}
}
