package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BondingCurve is the reserve pair backing a token's price.
// Price is vSol/vTokens.
type BondingCurve struct {
	VTokens decimal.Decimal `json:"v_tokens"`
	VSol    decimal.Decimal `json:"v_sol"`
}

// Price returns vSol/vTokens, or zero when the reserves cannot price.
func (c BondingCurve) Price() decimal.Decimal {
	if c.VTokens.IsPositive() && c.VSol.IsPositive() {
		return c.VSol.Div(c.VTokens)
	}
	return decimal.Zero
}

// CreateEvent is a decoded token-creation frame.
type CreateEvent struct {
	Mint         string          `json:"mint"`
	CreatorKey   string          `json:"creator_key"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	URI          string          `json:"uri"`
	InitialBuy   decimal.Decimal `json:"initial_buy"`
	Curve        BondingCurve    `json:"curve"`
	MarketCapSol decimal.Decimal `json:"market_cap_sol"`
	Signature    string          `json:"signature"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// TradeEvent is a decoded buy or sell frame.
type TradeEvent struct {
	Side         Side            `json:"side"`
	Mint         string          `json:"mint"`
	TraderKey    string          `json:"trader_key"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	SolAmount    decimal.Decimal `json:"sol_amount"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	Curve        BondingCurve    `json:"curve"`
	MarketCapSol decimal.Decimal `json:"market_cap_sol"`
	Signature    string          `json:"signature"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// AckEvent is a subscription acknowledgement from the upstream feed.
type AckEvent struct {
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}
