// Package app contains the top-level orchestration for the sender and
// receiver roles.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pshare/internal/config"
	"github.com/1ureka/p2pshare/internal/signaling"
	"github.com/1ureka/p2pshare/internal/transfer"
	"github.com/1ureka/p2pshare/internal/transport"
	"github.com/1ureka/p2pshare/internal/util"
)

// sessionFactory builds the transfer session for a freshly announced channel.
type sessionFactory func(ch transfer.Channel) (*transfer.Session, error)

// peerLink is one side's path to the other: the relay client, the negotiator
// and, once the data channel exists, the transfer session bound to it.
type peerLink struct {
	cfg    config.Config
	client *signaling.Client
	neg    *transport.Negotiator

	sessions chan *transfer.Session

	released    chan struct{} // the relay released the room
	releaseOnce sync.Once
}

// connect dials the relay, joins room and starts negotiating as role.
func connect(ctx context.Context, cfg config.Config, role transport.Role, room string, newSession sessionFactory) (*peerLink, error) {
	relayURL, err := config.NormalizeRelayURL(cfg.RelayURL)
	if err != nil {
		return nil, err
	}

	client, err := signaling.Dial(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	id, err := client.Join(ctx, room)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("join room %s: %w", room, err)
	}
	util.LogInfo("joined room %s as %s (%s)", room, role, id)

	neg, err := transport.New(role, client.Signal, cfg.Negotiation)
	if err != nil {
		client.Close()
		return nil, err
	}

	l := &peerLink{
		cfg:      cfg,
		client:   client,
		neg:      neg,
		sessions: make(chan *transfer.Session, 1),
		released: make(chan struct{}),
	}
	neg.OnChannel(l.bind(newSession))
	go l.pump()
	return l, nil
}

// bind wires the data channel callbacks into a new session. Nothing is sent
// from here; the session does all channel I/O on its Run goroutine.
func (l *peerLink) bind(newSession sessionFactory) func(*webrtc.DataChannel) {
	return func(dc *webrtc.DataChannel) {
		s, err := newSession(dc)
		if err != nil {
			util.LogError("cannot start transfer: %v", err)
			dc.Close()
			return
		}

		dc.OnOpen(func() {
			util.LogSuccess("data channel %q open", dc.Label())
			s.Open()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.Deliver(transfer.Message{IsString: msg.IsString, Data: msg.Data})
		})
		dc.OnClose(func() {
			util.LogDebug("data channel %q closed", dc.Label())
			s.ChannelClosed()
		})

		select {
		case l.sessions <- s:
		default:
		}
	}
}

// pump routes relay events to the negotiator until the relay connection ends.
func (l *peerLink) pump() {
	for msg := range l.client.Events() {
		switch msg.Type {
		case signaling.TypePeerOnline:
			util.LogInfo("peer %s is online", msg.From)
			l.neg.PeerOnline()
		case signaling.TypePeerOffline:
			util.LogInfo("peer %s went offline", msg.From)
			l.neg.PeerOffline()
		case signaling.TypeSignal:
			if err := l.neg.HandleSignal(msg.From, msg.Signal); err != nil {
				util.LogError("negotiation: %v", err)
			}
		case signaling.TypeTransferComplete:
			l.releaseOnce.Do(func() { close(l.released) })
		}
	}
}

// establish waits for the connection and its session. Losing the relay
// before the connection is up is reported as signaling.ErrSignalingLost.
func (l *peerLink) establish(ctx context.Context) (*transfer.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := l.neg.Wait(ctx); err != nil {
		return nil, l.cause(err)
	}

	timeout := l.cfg.Negotiation.ConnectTimeout
	if timeout <= 0 {
		timeout = transport.DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-l.sessions:
		return s, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no data channel after %s", transport.ErrConnectionTimeout, timeout)
	case <-ctx.Done():
		return nil, l.cause(ctx.Err())
	}
}

func (l *peerLink) cause(err error) error {
	select {
	case <-l.client.Done():
		if lost := l.client.Err(); lost != nil {
			return lost
		}
	default:
	}
	return err
}

// release tells the relay the transfer is over, unless the peer already did.
func (l *peerLink) release() {
	select {
	case <-l.released:
		return
	default:
	}
	if err := l.client.TransferComplete(); err != nil {
		util.LogDebug("transfer-complete not delivered: %v", err)
	}
}

// awaitRelease waits up to the teardown grace for the peer to release the
// room, then releases it itself.
func (l *peerLink) awaitRelease(ctx context.Context) {
	grace := time.NewTimer(l.cfg.TeardownGrace)
	defer grace.Stop()

	select {
	case <-l.released:
		return
	case <-l.client.Done():
		return
	case <-grace.C:
		util.LogDebug("no release from peer within %s", l.cfg.TeardownGrace)
	case <-ctx.Done():
	}
	l.release()
}

func (l *peerLink) close() {
	l.neg.Close()
	l.client.Close()
}
