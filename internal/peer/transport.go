package peer

import "github.com/pion/webrtc/v4"

// Transport is the peer-to-peer connection a Session negotiates. CreateOffer
// and CreateAnswer also install the produced description locally.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	// ReplaceTracks swaps the tracks added with AddTrack, in order, without
	// renegotiating.
	ReplaceTracks(tracks []webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Callbacks are invoked by a Transport from its own goroutines.
type Callbacks struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnTrack                 func(*webrtc.TrackRemote)
}

// TransportFactory creates one Transport per Session. Every transport a
// factory creates uses the same ICE configuration.
type TransportFactory interface {
	NewTransport(cb Callbacks) (Transport, error)
}

// Signaler sends negotiation messages to a remote participant via the relay.
type Signaler interface {
	SendOffer(to, sdp string) error
	SendAnswer(to, sdp string) error
	SendCandidate(to string, c webrtc.ICECandidateInit) error
	// SendBye tells the remote that the local side has torn its session down.
	SendBye(to string) error
}
