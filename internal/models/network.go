package models

// NetworkLevel classifies current connectivity for job gating. Levels are
// ordered: a constraint of NetworkAny is satisfied by any online level,
// NetworkCellular by cellular or wifi, NetworkWifi by wifi only.
type NetworkLevel int

const (
	NetworkNone NetworkLevel = iota
	NetworkAny
	NetworkCellular
	NetworkWifi
)

// Satisfies reports whether the current level meets the required minimum.
func (l NetworkLevel) Satisfies(required NetworkLevel) bool {
	if required == NetworkNone {
		return true
	}
	return l >= required
}

func (l NetworkLevel) String() string {
	switch l {
	case NetworkAny:
		return "any"
	case NetworkCellular:
		return "cellular"
	case NetworkWifi:
		return "wifi"
	default:
		return "none"
	}
}

// ParseNetworkLevel maps a stored level name back to its value. Unknown
// names parse as NetworkNone.
func ParseNetworkLevel(s string) NetworkLevel {
	switch s {
	case "any":
		return NetworkAny
	case "cellular":
		return NetworkCellular
	case "wifi":
		return NetworkWifi
	default:
		return NetworkNone
	}
}
