package domain

// AgentState is the negotiation state of a gateway or peer agent.
type AgentState int32

const (
	StateIdle AgentState = iota
	StateNegotiating
	StateStable
	StateClosed
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s AgentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
