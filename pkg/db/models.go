package db

import "time"

// AuditEvent is one append-only control-plane decision record.
type AuditEvent struct {
	ID        int64
	TS        time.Time
	EventType string
	Actor     string
	Host      string
	Action    string
	Before    string
	After     string
	Success   bool
	Reason    string
}

// Order record statuses. UNKNOWN is a valid terminal-pending state: retries
// exhausted with no exchange confirmation, never silently resolved.
const (
	OrderPending         = "PENDING"
	OrderSubmitted       = "SUBMITTED"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderFilled          = "FILLED"
	OrderRejected        = "REJECTED"
	OrderCanceled        = "CANCELED"
	OrderUnknown         = "UNKNOWN"
)

// IsTerminalOrderStatus reports whether no further executor transition applies.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderFilled, OrderRejected, OrderCanceled:
		return true
	}
	return false
}

// OrderRecord is the exchange-facing state of one order intent.
type OrderRecord struct {
	IdempotencyKey  string
	CorrelationID   string
	ActionKind      string
	Symbol          string
	Side            string
	RequestedSize   float64
	ScaledSize      float64
	PriceHint       float64
	ExchangeOrderID string
	Status          string
	Attempts        int
	LastError       string
	SizeFilled      float64
	AvgFillPrice    float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Model version statuses.
const (
	ModelStaging    = "STAGING"
	ModelShadow     = "SHADOW"
	ModelProduction = "PRODUCTION"
	ModelRetired    = "RETIRED"
)

// ModelVersion is one registered decision model.
type ModelVersion struct {
	VersionID        string
	Checksum         string
	BlobPath         string
	Status           string
	Metadata         string
	PromotionMetrics string
	Comparisons      int
	Agreements       int
	RegisteredAt     time.Time
	ShadowStartedAt  *time.Time
}

// Position is the locally-tracked net position for a symbol.
type Position struct {
	Symbol   string
	Qty      float64
	AvgPrice float64
}

// Operator is an authenticated human actor.
type Operator struct {
	ID           string
	Name         string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}
