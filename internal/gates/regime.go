package gates

import (
	"context"
	"fmt"

	"quantsail/internal/config"
	"quantsail/internal/strategy"
	"quantsail/pkg/types"
)

// RegimeGate blocks entries when the market regime is not in the allowed
// list. UNKNOWN (insufficient data) always passes: the strategies themselves
// already hold without enough candles.
type RegimeGate struct {
	cfg *config.Config
}

func NewRegimeGate(cfg *config.Config) *RegimeGate { return &RegimeGate{cfg: cfg} }

func (g *RegimeGate) Name() string { return "regime" }

func (g *RegimeGate) Evaluate(_ context.Context, gc *Context) Decision {
	rcfg := g.cfg.RegimeFor(gc.Symbol)
	if len(rcfg.AllowedRegimes) == 0 {
		return allow()
	}
	regime := strategy.ClassifyRegime(gc.Candles, rcfg)
	if regime == types.RegimeUnknown {
		return allow()
	}
	for _, allowed := range rcfg.AllowedRegimes {
		if string(regime) == allowed {
			return allow()
		}
	}
	return reject(
		fmt.Sprintf("regime %s not in allowed set", regime),
		map[string]any{"regime": string(regime), "allowed": rcfg.AllowedRegimes},
	)
}
