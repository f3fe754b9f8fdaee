package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
)

// PriceOracle polls an HTTP endpoint for the SOL/USD rate. Until the
// first successful fetch it reports the configured fallback; after a
// failure it keeps serving the last good rate.
type PriceOracle struct {
	cfg    config.OracleConfig
	bus    *bus.Bus
	client *http.Client

	rate     atomic.Value // float64
	fetched  atomic.Bool
	fetches  atomic.Int64
	failures atomic.Int64
}

// NewPriceOracle creates a PriceOracle primed with the fallback rate.
func NewPriceOracle(cfg config.OracleConfig, b *bus.Bus) *PriceOracle {
	o := &PriceOracle{
		cfg: cfg,
		bus: b,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	o.rate.Store(cfg.FallbackRate)
	return o
}

// SolUsdRate returns the current SOL/USD rate. Never zero.
func (o *PriceOracle) SolUsdRate() float64 {
	return o.rate.Load().(float64)
}

// Run polls until ctx is cancelled. The first fetch happens
// immediately.
func (o *PriceOracle) Run(ctx context.Context) {
	o.refresh(ctx)

	ticker := time.NewTicker(time.Duration(o.cfg.RefreshMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refresh(ctx)
		}
	}
}

// Refresh fetches once. Exposed for scheduler wiring and tests.
func (o *PriceOracle) Refresh(ctx context.Context) error {
	return o.refresh(ctx)
}

func (o *PriceOracle) refresh(ctx context.Context) error {
	rate, err := o.fetch(ctx)
	if err != nil {
		o.failures.Add(1)
		last := o.SolUsdRate()
		log.Warn().Err(err).Float64("last_rate", last).Msg("oracle: rate fetch failed")
		o.bus.Publish(bus.TopicPriceError, bus.PriceError{
			BaseEvent: bus.NewBaseEvent("price-oracle"),
			Err:       err.Error(),
			LastRate:  last,
		})
		return err
	}

	o.rate.Store(rate)
	o.fetched.Store(true)
	o.fetches.Add(1)
	log.Debug().Float64("rate", rate).Msg("oracle: sol/usd updated")
	return nil
}

func (o *PriceOracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("read rate body: %w", err)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("parse rate body: %w", err)
	}

	quote, ok := payload["solana"]
	if !ok || quote.USD <= 0 {
		return 0, fmt.Errorf("no usable solana quote in response")
	}
	return quote.USD, nil
}

// OracleStats is a point-in-time counter snapshot.
type OracleStats struct {
	Rate     float64 `json:"rate"`
	Live     bool    `json:"live"` // at least one successful fetch
	Fetches  int64   `json:"fetches"`
	Failures int64   `json:"failures"`
}

func (o *PriceOracle) Stats() OracleStats {
	return OracleStats{
		Rate:     o.SolUsdRate(),
		Live:     o.fetched.Load(),
		Fetches:  o.fetches.Load(),
		Failures: o.failures.Load(),
	}
}
