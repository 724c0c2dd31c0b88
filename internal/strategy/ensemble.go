package strategy

import (
	"quantsail/internal/config"
	"quantsail/pkg/types"
)

// Ensemble runs every registered strategy and combines their votes using the
// symbol's effective ensemble settings (global config with per-coin overrides
// already applied by the caller).
type Ensemble struct {
	strategies []Strategy
}

// NewEnsemble builds the combiner over a fixed strategy set. Order is
// preserved in the emitted Signal.Outputs.
func NewEnsemble(strategies ...Strategy) *Ensemble {
	return &Ensemble{strategies: strategies}
}

// Evaluate computes all strategy votes and folds them per the ensemble mode.
// It never fails: broken strategies vote HOLD with their failure in the
// rationale.
func (e *Ensemble) Evaluate(symbol string, candles []types.Candle, book *types.OrderBook, cfg config.EnsembleConfig) types.Signal {
	outputs := make([]types.StrategyOutput, 0, len(e.strategies))
	for _, s := range e.strategies {
		outputs = append(outputs, safeEvaluate(s, symbol, candles, book))
	}

	sig := types.Signal{Symbol: symbol, Action: types.Hold, Outputs: outputs}
	switch cfg.Mode {
	case "weighted":
		sig.Action, sig.Confidence = combineWeighted(outputs, cfg)
	default:
		sig.Action, sig.Confidence = combineAgreement(outputs, cfg)
	}
	return sig
}

// combineAgreement fires when at least min_agreement strategies vote
// ENTER_LONG with confidence at or above the threshold. The combined
// confidence is the mean of the voting confidences.
func combineAgreement(outputs []types.StrategyOutput, cfg config.EnsembleConfig) (types.SignalAction, float64) {
	var count int
	var sum float64
	for _, out := range outputs {
		if out.Signal == types.EnterLong && out.Confidence >= cfg.ConfidenceThreshold {
			count++
			sum += out.Confidence
		}
	}
	if count < cfg.MinAgreement || count == 0 {
		return types.Hold, 0
	}
	return types.EnterLong, sum / float64(count)
}

// combineWeighted scores ENTER_LONG voters by weight × confidence and
// normalizes by the sum of ALL weights, so abstaining strategies drag the
// score down. Fires when the normalized score clears weighted_threshold.
func combineWeighted(outputs []types.StrategyOutput, cfg config.EnsembleConfig) (types.SignalAction, float64) {
	weights := map[string]float64{
		NameTrend:         cfg.WeightTrend,
		NameMeanReversion: cfg.WeightMeanReversion,
		NameBreakout:      cfg.WeightBreakout,
		NameVWAPReversion: cfg.WeightVWAPReversion,
	}

	var score, total float64
	for _, out := range outputs {
		w := weights[out.Name]
		total += w
		if out.Signal == types.EnterLong {
			score += w * out.Confidence
		}
	}
	if total <= 0 {
		return types.Hold, 0
	}
	normalized := score / total
	if normalized < cfg.WeightedThreshold {
		return types.Hold, normalized
	}
	return types.EnterLong, normalized
}
