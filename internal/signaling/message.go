// Package signaling pairs two peers inside a room and relays their
// connection-setup payloads. The relay treats every signal payload as opaque
// bytes; it never learns the transfer key or any file content.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidRequest is reported for malformed or unauthorized relay
	// requests. The relay answers with an error message; the connection stays up.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSignalingLost is returned by the client once the relay connection
	// is gone.
	ErrSignalingLost = errors.New("signaling lost")
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeJoin             MessageType = "join"              // client → relay
	TypeJoined           MessageType = "joined"            // relay → client, carries the assigned id
	TypePeerOnline       MessageType = "peer-online"       // relay → client
	TypePeerOffline      MessageType = "peer-offline"      // relay → client
	TypeSignal           MessageType = "signal"            // both ways, opaque payload
	TypeTransferComplete MessageType = "transfer-complete" // both ways
	TypeError            MessageType = "error"             // relay → client
)

// Message is the JSON structure of every websocket text frame.
type Message struct {
	Type         MessageType     `json:"type"`
	Room         string          `json:"room,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
	ID           string          `json:"id,omitempty"`
	Target       string          `json:"target,omitempty"`
	From         string          `json:"from,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Error        string          `json:"error,omitempty"`
}

var (
	roomPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)
	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,128}$`)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func validateRoom(room string) error {
	if !roomPattern.MatchString(room) {
		return invalid("malformed room")
	}
	return nil
}

func validateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return invalid("malformed session token")
	}
	return nil
}
