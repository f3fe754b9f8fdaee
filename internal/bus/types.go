package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicTokenAdded             Topic = "tokenAdded"
	TopicTokenUpdated           Topic = "tokenUpdated"
	TopicTokenStateChanged      Topic = "tokenStateChanged"
	TopicReadyForPosition       Topic = "readyForPosition"
	TopicRecoveryMetricsUpdated Topic = "recoveryMetricsUpdated"
	TopicRecoveryGainTooHigh    Topic = "recoveryGainTooHigh"
	TopicWashTradingDetected    Topic = "washTradingDetected"
	TopicFrequentRelationship   Topic = "frequentTraderRelationship"
	TopicSuspiciousGroup        Topic = "suspiciousGroupActivity"
	TopicRecoveryAnalysis       Topic = "recoveryAnalysisUpdated"
	TopicPositionOpened         Topic = "positionOpened"
	TopicPositionPartialExit    Topic = "positionPartiallyExited"
	TopicPositionClosed         Topic = "positionClosed"
	TopicQueueOverflow          Topic = "queueOverflow"
	TopicPriceError             Topic = "priceError"
	TopicMaxRetriesExceeded     Topic = "maxRetriesExceeded"
	TopicSubscriptionAcked      Topic = "subscriptionAcked"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"ts"`
	Producer  string    `json:"producer"`
}

// NewBaseEvent creates a new BaseEvent with a generated ID.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		Producer:  producer,
	}
}

// --- Token lifecycle events ---

type TokenAdded struct {
	BaseEvent
	Mint         string          `json:"mint"`
	Symbol       string          `json:"symbol"`
	CreatorKey   string          `json:"creator_key"`
	MarketCapSol decimal.Decimal `json:"market_cap_sol"`
}

type TokenUpdated struct {
	BaseEvent
	Mint         string          `json:"mint"`
	Price        decimal.Decimal `json:"price"`
	MarketCapSol decimal.Decimal `json:"market_cap_sol"`
	Side         string          `json:"side"` // buy|sell
	AmountSol    decimal.Decimal `json:"amount_sol"`
}

type TokenStateChanged struct {
	BaseEvent
	Mint      string `json:"mint"`
	PrevState string `json:"prev_state"`
	NewState  string `json:"new_state"`
}

type ReadyForPosition struct {
	BaseEvent
	Mint           string          `json:"mint"`
	MarketCapSol   decimal.Decimal `json:"market_cap_sol"`
	Price          decimal.Decimal `json:"price"`
	GainFromBottom float64         `json:"gain_from_bottom_pct"`
	StrengthTotal  float64         `json:"strength_total"`
}

type RecoveryMetricsUpdated struct {
	BaseEvent
	Mint          string  `json:"mint"`
	StrengthTotal float64 `json:"strength_total"`
	BuyPressure   float64 `json:"buy_pressure"`
	Phase         string  `json:"phase"`
	Structure     string  `json:"structure"`
}

type RecoveryGainTooHigh struct {
	BaseEvent
	Mint           string  `json:"mint"`
	GainFromBottom float64 `json:"gain_from_bottom_pct"`
	Limit          float64 `json:"limit_pct"`
}

// --- Trader intelligence events ---

type WashTradingDetected struct {
	BaseEvent
	TraderKey    string          `json:"trader_key"`
	Counterparty string          `json:"counterparty"`
	Mint         string          `json:"mint"`
	Amount       decimal.Decimal `json:"amount"`
}

type FrequentRelationship struct {
	BaseEvent
	TraderKey    string `json:"trader_key"`
	Counterparty string `json:"counterparty"`
	CoTradeCount int    `json:"co_trade_count"`
}

type SuspiciousGroup struct {
	BaseEvent
	GroupID      string   `json:"group_id"`
	Members      []string `json:"members"`
	PatternCount int      `json:"pattern_count"`
	RiskScore    float64  `json:"risk_score"`
}

type RecoveryAnalysis struct {
	BaseEvent
	TopByWinRate      []string `json:"top_by_win_rate"`
	TopByVolume       []string `json:"top_by_volume"`
	TopByAccumulation []string `json:"top_by_accumulation"`
	TopByExpansion    []string `json:"top_by_expansion"`
}

// --- Position events ---

type PositionOpened struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Mint       string          `json:"mint"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	SizeSol    decimal.Decimal `json:"size_sol"`
}

type PositionPartialExit struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Mint       string          `json:"mint"`
	Fraction   float64         `json:"fraction"`
	Price      decimal.Decimal `json:"price"`
	PnLPct     float64         `json:"pnl_pct"`
	Reason     string          `json:"reason"`
}

type PositionClosed struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Mint       string          `json:"mint"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnLPct     float64         `json:"pnl_pct"`
	Reason     string          `json:"reason"`
}

// --- Operational events ---

type QueueOverflow struct {
	BaseEvent
	Dropped int `json:"dropped"`
}

type PriceError struct {
	BaseEvent
	Err      string  `json:"error"`
	LastRate float64 `json:"last_rate"`
}

type MaxRetriesExceeded struct {
	BaseEvent
	Attempts int `json:"attempts"`
}

type SubscriptionAcked struct {
	BaseEvent
	Message string `json:"message"`
}
