// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/1ureka/p2pshare/internal/signaling"
	"github.com/1ureka/p2pshare/internal/transfer"
	"github.com/1ureka/p2pshare/internal/transport"
)

// Role represents the user's chosen role (sender or receiver).
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

const (
	DefaultRelayAddr     = ":8080"
	DefaultRelayURL      = "ws://127.0.0.1:8080" + signaling.SignalingPath
	DefaultOrigin        = "http://localhost:8080"
	DefaultTeardownGrace = 10 * time.Second
	DefaultStatsInterval = time.Second
	DefaultRoomLength    = 8
)

// Config stores every parameter gathered from flags, the environment and
// the interactive prompts.
type Config struct {
	Role Role

	RelayURL  string // peers: websocket URL of the relay
	RelayAddr string // relay: listen address
	Origin    string // origin invitation links are built under

	OutDir     string // receiver: where the artifact is written
	RoomLength int

	// TeardownGrace bounds how long a finished peer waits for the relay to
	// release the room before disconnecting.
	TeardownGrace time.Duration
	StatsInterval time.Duration
	Debug         bool

	Transfer    transfer.Options
	Negotiation transport.Options
	Relay       signaling.RelayOptions
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		RelayURL:      DefaultRelayURL,
		RelayAddr:     DefaultRelayAddr,
		Origin:        DefaultOrigin,
		OutDir:        ".",
		RoomLength:    DefaultRoomLength,
		TeardownGrace: DefaultTeardownGrace,
		StatsInterval: DefaultStatsInterval,
		Transfer:      transfer.DefaultOptions(),
		Negotiation:   transport.DefaultOptions(),
		Relay:         signaling.DefaultRelayOptions(),
	}
}

// Validate checks the fields the chosen role depends on.
func (c Config) Validate() error {
	switch c.Role {
	case RoleSender, RoleReceiver:
		if _, err := NormalizeRelayURL(c.RelayURL); err != nil {
			return err
		}
	case "":
		return errors.New("missing role")
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleSender, RoleReceiver)
	}

	if c.Role == RoleSender {
		if c.RoomLength < 4 {
			return fmt.Errorf("room length %d is too short", c.RoomLength)
		}
		u, err := url.Parse(c.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin: %q", c.Origin)
		}
	}
	if c.TeardownGrace < 0 {
		return errors.New("teardown grace must not be negative")
	}
	return nil
}

// NormalizeRelayURL accepts a bare host, an http(s) URL or a ws(s) URL and
// returns the relay's websocket endpoint. Plain hosts default to wss.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %q", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	case "wss", "https":
	default:
		return "", fmt.Errorf("invalid relay URL scheme: %q", u.Scheme)
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, signaling.SignalingPath), nil
}
