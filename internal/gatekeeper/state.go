package gatekeeper

// State is a request's position in the pipeline.
type State int

const (
	StateReceived State = iota
	StateOriginChecked
	StateAuthenticated
	StateExpiryChecked
	StateAuthorized
	StateForwarded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateOriginChecked:
		return "origin_checked"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiryChecked:
		return "expiry_checked"
	case StateAuthorized:
		return "authorized"
	case StateForwarded:
		return "forwarded"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateForwarded || s == StateRejected
}
