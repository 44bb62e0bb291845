package transport

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

// signalPayload is the browser-compatible shape of one signaling payload:
// an RTCSessionDescriptionInit or an RTCIceCandidateInit.
type signalPayload struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp,omitempty"`

	Candidate        string  `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func parseSignal(raw json.RawMessage) (signalPayload, error) {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.SDP == "" && p.Candidate == "" {
		return p, errors.New("neither a description nor a candidate")
	}
	return p, nil
}

func (p signalPayload) description() (webrtc.SessionDescription, bool) {
	switch p.Type {
	case "offer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}, true
	case "answer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}, true
	}
	return webrtc.SessionDescription{}, false
}

func (p signalPayload) candidate() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}

func encodeDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(signalPayload{Type: desc.Type.String(), SDP: desc.SDP})
}

func encodeCandidate(c webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(signalPayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}
