package peer

import "errors"

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "negotiating(offering)"
	case StateAnswering:
		return "negotiating(answering)"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Negotiating reports whether an offer has been sent or received but the
// transport is not yet connected.
func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// Terminal reports whether the session has been torn down.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Role says which side of the offer/answer exchange a Session plays.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

var (
	// ErrRenegotiation is returned when a second offer or answer arrives for a
	// session that has already negotiated. The message is not applied.
	ErrRenegotiation   = errors.New("renegotiation is not supported")
	ErrSessionClosed   = errors.New("peer session closed")
	ErrUnexpectedState = errors.New("unexpected peer session state")
)
