package engine

import (
	"fmt"

	"quantsail/pkg/types"
)

// transitions is the per-symbol state machine edge table. Anything not
// listed is invalid and resets the symbol to IDLE.
//
// IDLE → IN_POSITION exists only for startup restore of open trades.
// EXIT_PENDING → IN_POSITION is the no-exit (or failed live exit) return
// path: the position stays open and is retried next tick.
var transitions = map[types.SymbolState][]types.SymbolState{
	types.SymbolIdle:         {types.SymbolEval, types.SymbolInPosition},
	types.SymbolEval:         {types.SymbolIdle, types.SymbolEntryPending},
	types.SymbolEntryPending: {types.SymbolInPosition, types.SymbolIdle},
	types.SymbolInPosition:   {types.SymbolExitPending},
	types.SymbolExitPending:  {types.SymbolIdle, types.SymbolInPosition},
}

// symbolFSM tracks one symbol's position in its lifecycle, plus the open
// trade it is carrying while IN_POSITION.
type symbolFSM struct {
	symbol  string
	state   types.SymbolState
	tradeID string
}

func newSymbolFSM(symbol string) *symbolFSM {
	return &symbolFSM{symbol: symbol, state: types.SymbolIdle}
}

// transition moves to the target state, or errors on an edge the table does
// not allow. The caller resets to IDLE and reports on error.
func (f *symbolFSM) transition(to types.SymbolState) error {
	for _, allowed := range transitions[f.state] {
		if allowed == to {
			f.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s for %s", f.state, to, f.symbol)
}

// reset forces the symbol back to IDLE, dropping any carried trade id. Used
// after invalid transitions and failed entries.
func (f *symbolFSM) reset() {
	f.state = types.SymbolIdle
	f.tradeID = ""
}
