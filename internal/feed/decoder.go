package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// rawFrame is the superset of fields across the three upstream record
// shapes. Which fields are required depends on txType.
type rawFrame struct {
	TxType                string  `json:"txType"`
	Signature             string  `json:"signature"`
	Mint                  string  `json:"mint"`
	TraderPublicKey       string  `json:"traderPublicKey"`
	InitialBuy            float64 `json:"initialBuy"`
	TokenAmount           float64 `json:"tokenAmount"`
	SolAmount             float64 `json:"solAmount"`
	NewTokenBalance       float64 `json:"newTokenBalance"`
	BondingCurveKey       string  `json:"bondingCurveKey"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	MarketCapSol          float64 `json:"marketCapSol"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`
	URI                   string  `json:"uri"`
	Message               string  `json:"message"`
}

// Decoder parses upstream textual frames into typed events.
// Malformed frames are dropped with a structured warning; nothing at
// this layer retries or propagates.
type Decoder struct {
	decoded atomic.Int64
	dropped atomic.Int64
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one frame. It returns a *CreateEvent, *TradeEvent or
// *AckEvent, or an error describing why the frame was dropped.
func (d *Decoder) Decode(frame []byte) (any, error) {
	var raw rawFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		d.dropped.Add(1)
		log.Warn().Err(err).Int("bytes", len(frame)).Msg("decoder: malformed frame dropped")
		return nil, fmt.Errorf("decoder: malformed frame: %w", err)
	}

	now := time.Now()

	// Ack frames carry no txType, only a message string.
	if strings.Contains(raw.Message, "Successfully subscribed") {
		d.decoded.Add(1)
		return &AckEvent{Message: raw.Message, ReceivedAt: now}, nil
	}

	switch raw.TxType {
	case "create":
		evt, err := d.decodeCreate(raw, now)
		if err != nil {
			d.drop(err)
			return nil, err
		}
		d.decoded.Add(1)
		return evt, nil

	case "buy", "sell":
		evt, err := d.decodeTrade(raw, now)
		if err != nil {
			d.drop(err)
			return nil, err
		}
		d.decoded.Add(1)
		return evt, nil

	default:
		err := fmt.Errorf("decoder: unknown txType %q", raw.TxType)
		d.drop(err)
		return nil, err
	}
}

func (d *Decoder) decodeCreate(raw rawFrame, now time.Time) (*CreateEvent, error) {
	if err := validateKey("mint", raw.Mint); err != nil {
		return nil, err
	}
	if err := validateKey("traderPublicKey", raw.TraderPublicKey); err != nil {
		return nil, err
	}
	if raw.Signature == "" {
		return nil, fmt.Errorf("decoder: create frame missing signature")
	}
	if raw.Name == "" || raw.Symbol == "" {
		return nil, fmt.Errorf("decoder: create frame missing name/symbol for mint %s", raw.Mint)
	}
	if raw.VTokensInBondingCurve <= 0 || raw.VSolInBondingCurve <= 0 {
		return nil, fmt.Errorf("decoder: create frame has empty bonding curve for mint %s", raw.Mint)
	}
	if raw.MarketCapSol <= 0 {
		return nil, fmt.Errorf("decoder: create frame missing marketCapSol for mint %s", raw.Mint)
	}

	return &CreateEvent{
		Mint:         raw.Mint,
		CreatorKey:   raw.TraderPublicKey,
		Name:         raw.Name,
		Symbol:       raw.Symbol,
		URI:          raw.URI,
		InitialBuy:   decimal.NewFromFloat(raw.InitialBuy),
		Curve:        curveFrom(raw),
		MarketCapSol: decimal.NewFromFloat(raw.MarketCapSol),
		Signature:    raw.Signature,
		ReceivedAt:   now,
	}, nil
}

func (d *Decoder) decodeTrade(raw rawFrame, now time.Time) (*TradeEvent, error) {
	if err := validateKey("mint", raw.Mint); err != nil {
		return nil, err
	}
	if err := validateKey("traderPublicKey", raw.TraderPublicKey); err != nil {
		return nil, err
	}
	if raw.Signature == "" {
		return nil, fmt.Errorf("decoder: trade frame missing signature")
	}
	if raw.TokenAmount <= 0 {
		return nil, fmt.Errorf("decoder: trade frame missing tokenAmount for mint %s", raw.Mint)
	}
	if raw.VTokensInBondingCurve <= 0 || raw.VSolInBondingCurve <= 0 {
		return nil, fmt.Errorf("decoder: trade frame has empty bonding curve for mint %s", raw.Mint)
	}
	if raw.NewTokenBalance < 0 {
		return nil, fmt.Errorf("decoder: trade frame has negative newTokenBalance for mint %s", raw.Mint)
	}

	curve := curveFrom(raw)
	tokenAmount := decimal.NewFromFloat(raw.TokenAmount)

	// Some frames omit solAmount; derive it from the curve price.
	solAmount := decimal.NewFromFloat(raw.SolAmount)
	if !solAmount.IsPositive() {
		solAmount = tokenAmount.Mul(curve.Price())
	}

	return &TradeEvent{
		Side:         Side(raw.TxType),
		Mint:         raw.Mint,
		TraderKey:    raw.TraderPublicKey,
		TokenAmount:  tokenAmount,
		SolAmount:    solAmount,
		NewBalance:   decimal.NewFromFloat(raw.NewTokenBalance),
		Curve:        curve,
		MarketCapSol: decimal.NewFromFloat(raw.MarketCapSol),
		Signature:    raw.Signature,
		ReceivedAt:   now,
	}, nil
}

func (d *Decoder) drop(err error) {
	d.dropped.Add(1)
	log.Warn().Err(err).Msg("decoder: frame dropped")
}

func curveFrom(raw rawFrame) BondingCurve {
	return BondingCurve{
		VTokens: decimal.NewFromFloat(raw.VTokensInBondingCurve),
		VSol:    decimal.NewFromFloat(raw.VSolInBondingCurve),
	}
}

// validateKey checks that a field is present and base58-decodable,
// which is the shape of every on-chain key this feed carries.
func validateKey(field, value string) error {
	if value == "" {
		return fmt.Errorf("decoder: missing %s", field)
	}
	if _, err := base58.Decode(value); err != nil {
		return fmt.Errorf("decoder: %s is not base58: %w", field, err)
	}
	return nil
}

// DecoderStats returns decode counters.
type DecoderStats struct {
	Decoded int64 `json:"decoded"`
	Dropped int64 `json:"dropped"`
}

func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Decoded: d.decoded.Load(),
		Dropped: d.dropped.Load(),
	}
}
