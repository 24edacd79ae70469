package events

// Topic enumerates high-level control-plane transitions.
type Topic string

const (
	TopicPostureChanged   Topic = "posture.changed"
	TopicBreakerTriggered Topic = "breaker.triggered"
	TopicBreakerCleared   Topic = "breaker.cleared"
	TopicKillActivated    Topic = "killswitch.activated"
	TopicKillCleared      Topic = "killswitch.cleared"
	TopicOrderUpdate      Topic = "order.update"
	TopicOrderUnknown     Topic = "order.unknown"
	TopicOrderFilled      Topic = "order.filled"
	TopicDivergence       Topic = "reconciliation.divergence"
	TopicModelPromoted    Topic = "model.promoted"
	TopicModelRolledBack  Topic = "model.rolled_back"
	TopicRiskAlert        Topic = "risk.alert"
)

// FillEvent is published on every confirmed fill so rolling account metrics
// can be updated without coupling the executor to the control loop.
type FillEvent struct {
	Symbol      string
	Side        string
	Qty         float64
	Price       float64
	RealizedPnL float64
}

// PostureTransition is published when the resolved trading posture changes.
type PostureTransition struct {
	From string
	To   string
}
