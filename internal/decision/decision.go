// Package decision defines the boundary between the decision model and the
// control plane. The control plane treats model output as an untrusted
// proposal; everything downstream of Source goes through the risk gate.
package decision

import (
	"context"

	"tradeguard/internal/gate"
)

// Tuple is one model proposal for one tick.
type Tuple struct {
	Action        string  // ENTER, EXIT, REDUCE, HOLD
	Symbol        string
	Side          string // BUY or SELL
	Size          float64
	PriceHint     float64
	EdgeAfterCost float64
	Confidence    float64
}

// Hold is the action kind meaning "do nothing this tick".
const Hold = "HOLD"

// Source produces proposals. Implementations must be side-effect free: acting
// on a proposal is exclusively the control plane's job.
type Source interface {
	Propose(ctx context.Context) (Tuple, error)
}

// Intent converts a non-HOLD tuple into a gate intent.
func Intent(t Tuple, correlationID string) gate.OrderIntent {
	return gate.OrderIntent{
		ActionKind:    t.Action,
		Symbol:        t.Symbol,
		Side:          t.Side,
		RequestedSize: t.Size,
		PriceHint:     t.PriceHint,
		EdgeAfterCost: t.EdgeAfterCost,
		Confidence:    t.Confidence,
		CorrelationID: correlationID,
	}
}

// HoldSource always proposes HOLD. Used when no production model is loaded:
// the control plane stays live (breakers, kill switch, reconciliation) while
// trading proposals are absent.
type HoldSource struct{}

func (HoldSource) Propose(ctx context.Context) (Tuple, error) {
	return Tuple{Action: Hold}, nil
}
