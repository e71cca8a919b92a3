package models

import "encoding/json"

// SignalType is the tag of a signaling message on the wire.
type SignalType string

const (
	SignalTypeJoin         SignalType = "join"
	SignalTypeLeave        SignalType = "leave"
	SignalTypeHostReady    SignalType = "host-ready"
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeCandidate    SignalType = "ice-candidate"
	SignalTypeBye          SignalType = "bye"
	SignalTypePeerJoined   SignalType = "peer-joined"
	SignalTypePeerLeft     SignalType = "peer-left"
	SignalTypeRoomInfo     SignalType = "room-info"
	SignalTypeSessionError SignalType = "session-error"
	SignalTypeWelcome      SignalType = "welcome"
)

// SignalMessage is the tagged union exchanged between participants and the
// relay. Which fields are set depends on Type.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	Session   string          `json:"session,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	Count     int             `json:"count"`
	Message   string          `json:"message,omitempty"`
}

// IsDirected reports whether the message is relayed to a single named peer.
func (m SignalMessage) IsDirected() bool {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeBye:
		return true
	}
	return false
}

func PeerJoined(peerID string) SignalMessage {
	return SignalMessage{Type: SignalTypePeerJoined, PeerID: peerID}
}

func PeerLeft(peerID string) SignalMessage {
	return SignalMessage{Type: SignalTypePeerLeft, PeerID: peerID}
}

func RoomInfo(count int) SignalMessage {
	return SignalMessage{Type: SignalTypeRoomInfo, Count: count}
}

func SessionError(message string) SignalMessage {
	return SignalMessage{Type: SignalTypeSessionError, Message: message}
}

func Welcome(peerID string) SignalMessage {
	return SignalMessage{Type: SignalTypeWelcome, PeerID: peerID}
}
