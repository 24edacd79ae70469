package posture

// Posture is the system-wide trading permission level. It is always derived
// from breaker and kill-switch state, never stored as independent truth.
type Posture int

const (
	Normal Posture = iota
	Reduced
	Paused
	Halted
)

var names = map[Posture]string{
	Normal:  "NORMAL",
	Reduced: "REDUCED",
	Paused:  "PAUSED",
	Halted:  "HALTED",
}

func (p Posture) String() string {
	if s, ok := names[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// Max returns the more restrictive of two postures. The ordering
// HALTED > PAUSED > REDUCED > NORMAL is a strict total order, so folding
// with Max is monotonic: adding a trigger never relaxes the result.
func Max(a, b Posture) Posture {
	if b > a {
		return b
	}
	return a
}

// AllowsEntries reports whether new position entries are permitted.
func (p Posture) AllowsEntries() bool {
	return p == Normal || p == Reduced
}

// AllowsOrders reports whether any new order (including exits) is permitted.
func (p Posture) AllowsOrders() bool {
	return p != Halted
}
