// Package strategy implements the four entry strategies, the market-regime
// classifier, and the ensemble combiner that folds strategy votes into a
// single signal.
//
// Each strategy is a pure evaluation over the candle/orderbook series it is
// handed — no strategy holds mutable state between ticks. A strategy that
// fails (error or panic) is treated as HOLD with the failure captured in its
// rationale; the combiner itself never fails.
package strategy

import (
	"fmt"

	"quantsail/pkg/types"
)

// Canonical strategy names. The ensemble weights are keyed by these.
const (
	NameTrend         = "trend"
	NameMeanReversion = "mean_reversion"
	NameBreakout      = "breakout"
	NameVWAPReversion = "vwap_reversion"
)

// Strategy evaluates one symbol's market data into a vote.
type Strategy interface {
	Name() string
	Evaluate(symbol string, candles []types.Candle, book *types.OrderBook) (types.StrategyOutput, error)
}

// hold builds a HOLD vote with the given rationale.
func hold(name, rationale string) types.StrategyOutput {
	return types.StrategyOutput{Name: name, Signal: types.Hold, Confidence: 0, Rationale: rationale}
}

// safeEvaluate runs a strategy, converting errors and panics into HOLD votes.
func safeEvaluate(s Strategy, symbol string, candles []types.Candle, book *types.OrderBook) (out types.StrategyOutput) {
	defer func() {
		if r := recover(); r != nil {
			out = hold(s.Name(), fmt.Sprintf("strategy panic: %v", r))
		}
	}()

	out, err := s.Evaluate(symbol, candles, book)
	if err != nil {
		return hold(s.Name(), fmt.Sprintf("strategy error: %v", err))
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
