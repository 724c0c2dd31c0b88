// Package gates implements the ordered entry gate stack. Every ENTER_LONG
// signal must pass all gates before reaching the executor; the first
// rejecting gate short-circuits the pipeline.
//
// Fixed order: regime → portfolio → cooldown → daily symbol limit →
// streak sizer → position sizer → profitability. The sizing gates mutate the
// Context (size multiplier, then the fully-priced plan) for the gates after
// them.
package gates

import (
	"context"

	"github.com/shopspring/decimal"

	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Decision is one gate's verdict. Payload lands in the rejection event.
type Decision struct {
	Allowed bool
	Reason  string
	Payload map[string]any
}

func allow() Decision { return Decision{Allowed: true} }

func reject(reason string, payload map[string]any) Decision {
	return Decision{Allowed: false, Reason: reason, Payload: payload}
}

// Context carries one candidate entry through the stack. SizeMultiplier and
// Plan are written by the sizing gates and read by later gates and the
// executor.
type Context struct {
	Symbol     string
	Candles    []types.Candle
	Book       *types.OrderBook
	Signal     types.Signal
	EquityUSD  float64
	OpenTrades []repo.Trade

	SizeMultiplier float64
	Plan           *types.TradePlan
}

// Gate is one stage of the entry pipeline.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, gc *Context) Decision
}

// Stack runs gates in their fixed order.
type Stack struct {
	gates []Gate
}

// NewStack preserves the order gates are given in.
func NewStack(gates ...Gate) *Stack {
	return &Stack{gates: gates}
}

// Evaluate runs the pipeline. On rejection it returns the rejecting gate's
// name with its decision; on success the Context holds the final plan.
func (s *Stack) Evaluate(ctx context.Context, gc *Context) (string, Decision) {
	if gc.SizeMultiplier == 0 {
		gc.SizeMultiplier = 1
	}
	for _, g := range s.gates {
		if d := g.Evaluate(ctx, gc); !d.Allowed {
			return g.Name(), d
		}
	}
	return "", allow()
}

// lastPrice is the reference entry price: best ask when a book is available,
// otherwise the latest close.
func lastPrice(gc *Context) decimal.Decimal {
	if gc.Book != nil && len(gc.Book.Asks) > 0 {
		return gc.Book.BestAsk()
	}
	if len(gc.Candles) > 0 {
		return gc.Candles[len(gc.Candles)-1].Close
	}
	return decimal.Zero
}
