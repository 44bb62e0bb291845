package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers gathers server-reflexive candidates only. No TURN: the
// transfer goes peer to peer or not at all.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
}

// peerConn is the part of *webrtc.PeerConnection the negotiator drives.
type peerConn interface {
	SignalingState() webrtc.SignalingState
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

var _ peerConn = (*webrtc.PeerConnection)(nil)

// newPeerConnection creates a PeerConnection configured with the given STUN servers.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the sender's file channel. It is ordered because
// frames carry no sequence numbers; retransmissions are bounded so a dead
// path surfaces as a closed channel instead of an endless stall.
func newDataChannel(pc *webrtc.PeerConnection, label string, maxRetransmits uint16) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
}
