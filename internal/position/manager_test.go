package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/execution"
	"github.com/ember-trading/ember/internal/feed"
	"github.com/ember-trading/ember/internal/token"
)

const mintA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
const mintB = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"

type fillCall struct {
	side    feed.Side
	sizeSol decimal.Decimal
}

// fakeSim fills instantly at the quoted price. A non-nil sellGate
// parks sell fills until the test releases it.
type fakeSim struct {
	mu       sync.Mutex
	calls    []fillCall
	err      error
	sellGate chan struct{}
}

func (f *fakeSim) Execute(_ context.Context, side feed.Side, sizeSol, price, _ decimal.Decimal) (execution.Fill, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return execution.Fill{}, f.err
	}
	f.calls = append(f.calls, fillCall{side: side, sizeSol: sizeSol})
	f.mu.Unlock()

	if side == feed.SideSell && f.sellGate != nil {
		<-f.sellGate
	}
	return execution.Fill{ExecutionPrice: price}, nil
}

func (f *fakeSim) sells() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.side == feed.SideSell {
			n++
		}
	}
	return n
}

type fakeTokens struct {
	safety config.SafetyConfig
	tokens map[string]*token.Token
	opened []string
	closed []string
}

func newFakeTokens(tokens ...*token.Token) *fakeTokens {
	ft := &fakeTokens{
		safety: mgrConfig().Safety,
		tokens: make(map[string]*token.Token),
	}
	for _, tok := range tokens {
		ft.tokens[tok.Mint] = tok
	}
	return ft
}

// View mirrors the registry's snapshot assembly.
func (f *fakeTokens) View(mint string, now time.Time) (token.TokenView, bool) {
	tok, ok := f.tokens[mint]
	if !ok {
		return token.TokenView{}, false
	}
	safe, reason := tok.CheckSafety(f.safety)
	return token.TokenView{
		Mint:         tok.Mint,
		State:        tok.State(),
		CurrentPrice: tok.CurrentPrice,
		MarketCapSol: tok.MarketCapSol,
		Volume5m:     tok.VolumeSOL(5*time.Minute, now),
		Recovery:     tok.Recovery,
		SafetyOK:     safe,
		SafetyReason: reason,
	}, true
}

func (f *fakeTokens) MarkPositionOpened(mint string, _ time.Time) {
	f.opened = append(f.opened, mint)
}

func (f *fakeTokens) MarkPositionClosed(mint string, _ time.Time) {
	f.closed = append(f.closed, mint)
}

// healthyToken passes the entry gates and, with relaxed safety
// limits, the validation loop.
func healthyToken(mint string, price, mcapSol string) *token.Token {
	return &token.Token{
		Mint:         mint,
		CurrentPrice: dec(price),
		MarketCapSol: dec(mcapSol),
		VSol:         decimal.NewFromInt(50),
		Recovery: token.RecoveryMetrics{
			StrengthTotal: 50,
			BuyPressure:   0.6,
			Structure:     "neutral",
			Phase:         "expansion",
		},
	}
}

func mgrConfig() *config.Config {
	cfg := config.Default()
	cfg.Safety.MinLiquiditySOL = 1
	cfg.Safety.MinHolders = 0
	cfg.Safety.MaxTopHolderConcentration = 100
	cfg.Safety.MaxWalletPct = 100
	return cfg
}

func record[T any](b *bus.Bus, topic bus.Topic) *[]T {
	out := &[]T{}
	b.Subscribe(topic, func(p any) { *out = append(*out, p.(T)) })
	return out
}

func TestOpenDebitsWalletAndPublishes(t *testing.T) {
	b := bus.New()
	sim := &fakeSim{}
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(mgrConfig(), b, sim, tokens)
	opened := record[bus.PositionOpened](b, bus.TopicPositionOpened)

	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase))

	pos := mgr.Open(mintA)
	require.NotNil(t, pos)
	// mcap 1000 * ratio 0.001 = 1 SOL
	assert.True(t, pos.SizeSol.Equal(decimal.NewFromInt(1)))
	assert.True(t, pos.EntryPrice.Equal(dec("100")))

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.OpenPositions)
	assert.InDelta(t, 9.0, stats.WalletSol, 1e-9)

	require.Len(t, *opened, 1)
	assert.Equal(t, mintA, (*opened)[0].Mint)
	assert.Equal(t, []string{mintA}, tokens.opened)
	require.Len(t, sim.calls, 1)
	assert.Equal(t, feed.SideBuy, sim.calls[0].side)
}

func TestOpenRejectsDuplicateMint(t *testing.T) {
	b := bus.New()
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)

	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase))
	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "already holding")
}

func TestOpenRejectsUnknownMint(t *testing.T) {
	mgr := NewManager(mgrConfig(), bus.New(), &fakeSim{}, newFakeTokens())
	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "unknown mint")
}

func TestMaxPositionsGate(t *testing.T) {
	cfg := mgrConfig()
	cfg.Position.MaxPositions = 1
	tokens := newFakeTokens(
		healthyToken(mintA, "100", "1000"),
		healthyToken(mintB, "100", "1000"),
	)
	mgr := NewManager(cfg, bus.New(), &fakeSim{}, tokens)

	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase))
	err := mgr.TryOpen(context.Background(), mintB, posBase)
	assert.ErrorContains(t, err, "max positions")
}

func TestDailyLossFloorResetsNextDay(t *testing.T) {
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(mgrConfig(), bus.New(), &fakeSim{}, tokens)

	mgr.dayAnchor = posBase
	mgr.dailyLoss = 2.5

	err := mgr.TryOpen(context.Background(), mintA, posBase.Add(time.Hour))
	assert.ErrorContains(t, err, "daily loss")

	// A new trading day clears the ledger.
	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase.Add(24*time.Hour)))
	assert.Equal(t, 0.0, mgr.Stats().DailyLossSol)
}

func TestExposureGate(t *testing.T) {
	cfg := mgrConfig()
	cfg.Position.MaxExposure = 0.1
	cfg.Position.MaxRiskPerTrade = 0.5
	tokens := newFakeTokens(healthyToken(mintA, "100", "2000"))
	mgr := NewManager(cfg, bus.New(), &fakeSim{}, tokens)

	// Size 2 SOL against 10 SOL equity is 20% exposure.
	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "exposure")
}

func TestRiskRewardGate(t *testing.T) {
	cfg := mgrConfig()
	cfg.Position.StopLossPct = 30 // 50/30 < 2.0
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(cfg, bus.New(), &fakeSim{}, tokens)

	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "risk/reward")
}

func TestWalletBalanceGate(t *testing.T) {
	cfg := mgrConfig()
	cfg.Position.InitialWalletSOL = 0.05
	cfg.Position.MaxRiskPerTrade = 2
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(cfg, bus.New(), &fakeSim{}, tokens)

	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "wallet balance")
}

func TestDynamicSizingScalesWithVolatility(t *testing.T) {
	cfg := mgrConfig()
	cfg.Position.UseDynamicSizing = true
	tok := healthyToken(mintA, "100", "1000")
	tok.Recovery.Volatility = 0.2 // scale = 1 - 0.2*2 = 0.6
	mgr := NewManager(cfg, bus.New(), &fakeSim{}, newFakeTokens(tok))

	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase))
	pos := mgr.Open(mintA)
	require.NotNil(t, pos)
	size, _ := pos.SizeSol.Float64()
	assert.InDelta(t, 0.6, size, 1e-9)
}

func TestEntryFillErrorPropagates(t *testing.T) {
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(mgrConfig(), bus.New(), &fakeSim{err: errors.New("rpc unavailable")}, tokens)

	err := mgr.TryOpen(context.Background(), mintA, posBase)
	assert.ErrorContains(t, err, "entry fill")
	assert.Nil(t, mgr.Open(mintA))
	assert.InDelta(t, 10.0, mgr.Stats().WalletSol, 1e-9)
}

func update(mint, price string, at time.Time) bus.TokenUpdated {
	return bus.TokenUpdated{
		BaseEvent: bus.BaseEvent{Timestamp: at},
		Mint:      mint,
		Price:     dec(price),
		AmountSol: decimal.NewFromInt(1),
	}
}

func TestTieredExitsThroughManager(t *testing.T) {
	b := bus.New()
	sim := &fakeSim{}
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, sim, tokens)

	partials := record[bus.PositionPartialExit](b, bus.TopicPositionPartialExit)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))

	for i, price := range []string{"116", "131", "151", "181"} {
		tok.CurrentPrice = dec(price)
		mgr.OnTokenUpdate(ctx, update(mintA, price, posBase.Add(time.Duration(i+1)*time.Minute)))
	}

	require.Len(t, *partials, 3)
	require.Len(t, *closes, 1)
	assert.Equal(t, "TAKE_PROFIT_80PCT", (*closes)[0].Reason)
	assert.InDelta(t, 81, (*closes)[0].PnLPct, 1e-9)

	assert.Nil(t, mgr.Open(mintA))
	assert.Equal(t, []string{mintA}, tokens.closed)

	// 9 + 0.232 + 0.393 + 0.453 + 0.362 proceeds
	stats := mgr.Stats()
	assert.InDelta(t, 10.44, stats.WalletSol, 1e-6)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 0, stats.Losses)
	assert.Equal(t, 0.0, stats.DailyLossSol)
}

func TestLosingCloseCountsDailyLoss(t *testing.T) {
	b := bus.New()
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))

	// 12% down one minute in trips the rapid-reversal rule.
	tok.CurrentPrice = dec("88")
	mgr.OnTokenUpdate(ctx, update(mintA, "88", posBase.Add(time.Minute)))

	require.Len(t, *closes, 1)
	assert.Equal(t, ReasonRapidReversal, (*closes)[0].Reason)

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 0.12, stats.DailyLossSol, 1e-9)
	assert.InDelta(t, 9.88, stats.WalletSol, 1e-9)
}

func TestConcurrentExitPathsCloseOnce(t *testing.T) {
	b := bus.New()
	gate := make(chan struct{})
	sim := &fakeSim{sellGate: gate}
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, sim, tokens)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))

	// Give both exit paths a reason to fire: a 12% reversal for the
	// update handler and drained liquidity for the validation loop.
	tok.CurrentPrice = dec("88")
	tok.VSol = decimal.Zero

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.OnTokenUpdate(ctx, update(mintA, "88", posBase.Add(time.Minute)))
	}()

	// The update handler claims the exit and parks in the simulator.
	require.Eventually(t, func() bool { return sim.sells() == 1 }, time.Second, time.Millisecond)

	// The validation loop runs while that fill is in flight; it must
	// not file a second sell for the same position.
	mgr.ValidateAll(ctx, posBase.Add(time.Minute))
	assert.Equal(t, 1, sim.sells())

	close(gate)
	<-done

	require.Len(t, *closes, 1)
	assert.Equal(t, ReasonRapidReversal, (*closes)[0].Reason)
	assert.Equal(t, []string{mintA}, tokens.closed)

	stats := mgr.Stats()
	assert.Equal(t, 0, stats.OpenPositions)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 9.88, stats.WalletSol, 1e-9)

	// A late validation pass finds nothing left to act on.
	mgr.ValidateAll(ctx, posBase.Add(2*time.Minute))
	assert.Equal(t, 1, sim.sells())
	require.Len(t, *closes, 1)
}

func TestValidateAllForcesSafetyExit(t *testing.T) {
	b := bus.New()
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))

	// Liquidity drains below the safety floor.
	tok.VSol = decimal.Zero
	mgr.ValidateAll(ctx, posBase.Add(time.Minute))

	require.Len(t, *closes, 1)
	assert.Equal(t, ReasonSafetyViolation, (*closes)[0].Reason)
	assert.Nil(t, mgr.Open(mintA))
}

func TestValidateAllEnforcesMaxHold(t *testing.T) {
	b := bus.New()
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))

	mgr.ValidateAll(ctx, posBase.Add(29*time.Minute))
	assert.Empty(t, *closes)

	mgr.ValidateAll(ctx, posBase.Add(31*time.Minute))
	require.Len(t, *closes, 1)
	assert.Equal(t, ReasonMaxHoldTime, (*closes)[0].Reason)
}

func TestCloseAllOnShutdown(t *testing.T) {
	b := bus.New()
	tokens := newFakeTokens(
		healthyToken(mintA, "100", "1000"),
		healthyToken(mintB, "50", "1500"),
	)
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)
	closes := record[bus.PositionClosed](b, bus.TopicPositionClosed)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))
	require.NoError(t, mgr.TryOpen(ctx, mintB, posBase))

	mgr.CloseAll(ctx, ReasonShutdown, posBase.Add(time.Minute))

	require.Len(t, *closes, 2)
	for _, c := range *closes {
		assert.Equal(t, ReasonShutdown, c.Reason)
	}
	assert.Equal(t, 0, mgr.Stats().OpenPositions)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	tokens := newFakeTokens(healthyToken(mintA, "100", "1000"))
	mgr := NewManager(mgrConfig(), bus.New(), &fakeSim{}, tokens)

	require.NoError(t, mgr.TryOpen(context.Background(), mintA, posBase))
	exported := mgr.Export()
	require.Len(t, exported, 1)

	restored := NewManager(mgrConfig(), bus.New(), &fakeSim{}, tokens)
	restored.Restore(exported)

	pos := restored.Open(mintA)
	require.NotNil(t, pos)
	assert.True(t, pos.EntryPrice.Equal(dec("100")))
	assert.InDelta(t, 9.0, restored.Stats().WalletSol, 1e-9)
}

func TestDropClosedClearsLog(t *testing.T) {
	b := bus.New()
	tok := healthyToken(mintA, "100", "1000")
	tokens := newFakeTokens(tok)
	mgr := NewManager(mgrConfig(), b, &fakeSim{}, tokens)

	ctx := context.Background()
	require.NoError(t, mgr.TryOpen(ctx, mintA, posBase))
	mgr.CloseAll(ctx, ReasonShutdown, posBase.Add(time.Minute))

	require.Len(t, mgr.Export(), 1)
	mgr.DropClosed()
	assert.Empty(t, mgr.Export())
}
