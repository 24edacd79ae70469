package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Action kinds. Entries open or add to positions; exits and reduces only
// shrink them, which matters under a PAUSED posture.
const (
	ActionEnter  = "ENTER"
	ActionExit   = "EXIT"
	ActionReduce = "REDUCE"
)

// OrderIntent is a proposed action before risk evaluation. The decision
// engine's output is carried opaquely; the gate never interprets model
// internals beyond the fields below.
type OrderIntent struct {
	ActionKind    string
	Symbol        string
	Side          string
	RequestedSize float64
	PriceHint     float64
	EdgeAfterCost float64
	Confidence    float64
	CorrelationID string
	AttemptEpoch  int
}

// IsEntry reports whether the intent opens or adds to a position.
func (i OrderIntent) IsEntry() bool { return i.ActionKind == ActionEnter }

// IdempotencyKey derives the deterministic identifier for this logical
// intent. Retries of the same (correlation, kind, epoch) always map to the
// same key, so they can never produce duplicate exchange orders.
func (i OrderIntent) IdempotencyKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", i.CorrelationID, i.ActionKind, i.AttemptEpoch)))
	return hex.EncodeToString(sum[:16])
}
