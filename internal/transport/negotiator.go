// Package transport negotiates the peer-to-peer connection that carries a
// transfer: SDP offer/answer and trickled ICE candidates travel through the
// signaling relay as opaque payloads, and the result is one ordered data
// channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pshare/internal/util"
)

var (
	// ErrConnectionTimeout is returned when negotiation started but the
	// connection did not come up within Options.ConnectTimeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrConnectionFailed is returned when negotiation or ICE failed.
	ErrConnectionFailed = errors.New("connection failed")
)

// Role selects which side of the offer/answer exchange a negotiator plays.
type Role int

const (
	RoleSender   Role = iota // creates the channel and offers
	RoleReceiver             // waits for an offer and answers
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// State is the negotiator's view of connection setup.
type State string

const (
	StateNew            State = "new"
	StateOfferSent      State = "offer-sent"
	StateAnswerReceived State = "answer-received"
	StateAwaitingOffer  State = "awaiting-offer"
	StateAnswerSent     State = "answer-sent"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultOfferDebounce  = 500 * time.Millisecond
	DefaultChannelLabel   = "file"
	DefaultMaxRetransmits = 5
)

// Options tunes a Negotiator.
type Options struct {
	ICEServers     []string
	ConnectTimeout time.Duration
	OfferDebounce  time.Duration
	ChannelLabel   string
	MaxRetransmits uint16
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		ICEServers:     DefaultICEServers,
		ConnectTimeout: DefaultConnectTimeout,
		OfferDebounce:  DefaultOfferDebounce,
		ChannelLabel:   DefaultChannelLabel,
		MaxRetransmits: DefaultMaxRetransmits,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OfferDebounce <= 0 {
		o.OfferDebounce = d.OfferDebounce
	}
	if o.ChannelLabel == "" {
		o.ChannelLabel = d.ChannelLabel
	}
	return o
}

// SignalFunc forwards a payload to the peer through the relay. An empty
// target addresses everyone else in the room.
type SignalFunc func(target string, payload json.RawMessage) error

// Negotiator owns one PeerConnection from creation to teardown.
type Negotiator struct {
	role   Role
	opts   Options
	pc     peerConn
	signal SignalFunc

	mu           sync.Mutex
	state        State
	peerOnline   bool
	offerStarted bool
	debounce     *time.Timer
	remote       string // relay id of the peer, once known
	pending      []webrtc.ICECandidateInit
	dc           *webrtc.DataChannel
	onChannel    func(*webrtc.DataChannel)

	sigMu sync.Mutex // serializes HandleSignal

	started   chan struct{}
	connected chan struct{}
	failed    chan struct{}
	failErr   error

	startOnce, connectOnce, failOnce sync.Once
}

// New creates a negotiator backed by a fresh pion PeerConnection. The sender
// creates the data channel up front so it is part of the first offer.
func New(role Role, signal SignalFunc, opts Options) (*Negotiator, error) {
	opts = opts.withDefaults()

	pc, err := newPeerConnection(opts.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := newNegotiator(role, pc, signal, opts)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			n.sendCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(n.handleConnectionState)

	if role == RoleSender {
		dc, err := newDataChannel(pc, opts.ChannelLabel, opts.MaxRetransmits)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		n.dc = dc
	} else {
		pc.OnDataChannel(n.handleDataChannel)
	}

	return n, nil
}

func newNegotiator(role Role, pc peerConn, signal SignalFunc, opts Options) *Negotiator {
	return &Negotiator{
		role:      role,
		opts:      opts,
		pc:        pc,
		signal:    signal,
		state:     StateNew,
		started:   make(chan struct{}),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// OnChannel registers fn to receive the data channel: immediately on the
// sender, when the offer's channel arrives on the receiver.
func (n *Negotiator) OnChannel(fn func(*webrtc.DataChannel)) {
	n.mu.Lock()
	n.onChannel = fn
	dc := n.dc
	n.mu.Unlock()

	if dc != nil && fn != nil {
		fn(dc)
	}
}

func (n *Negotiator) handleDataChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	if n.dc != nil {
		n.mu.Unlock()
		util.LogWarning("ignoring extra data channel %q", dc.Label())
		return
	}
	n.dc = dc
	fn := n.onChannel
	n.mu.Unlock()

	util.LogDebug("[negotiator] data channel %q announced by peer", dc.Label())
	if fn != nil {
		fn(dc)
	}
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(st State) {
	if n.state != st {
		util.LogDebug("[negotiator] %s: %s → %s", n.role, n.state, st)
	}
	n.state = st
}

func (n *Negotiator) terminal() bool {
	return n.state == StateConnected || n.state == StateFailed || n.state == StateClosed
}

// ──────────────────────────────────────────────────────────────────────────────
// Presence
// ──────────────────────────────────────────────────────────────────────────────

// PeerOnline reports that the other participant joined the room. On the
// sender it schedules an offer; bursts of presence events collapse into one.
func (n *Negotiator) PeerOnline() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peerOnline = true
	if n.role == RoleReceiver {
		if n.state == StateNew {
			n.setState(StateAwaitingOffer)
		}
		return
	}
	if n.offerStarted || n.terminal() {
		return
	}

	if n.debounce != nil {
		n.debounce.Stop()
	}
	n.debounce = time.AfterFunc(n.opts.OfferDebounce, n.startOffer)
}

// PeerOffline reports that the other participant left the room. An
// established connection is unaffected; a pending offer is cancelled.
func (n *Negotiator) PeerOffline() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peerOnline = false
	if n.debounce != nil {
		n.debounce.Stop()
		n.debounce = nil
	}
}

func (n *Negotiator) startOffer() {
	n.mu.Lock()
	if !n.peerOnline || n.offerStarted || n.terminal() {
		n.mu.Unlock()
		return
	}
	if st := n.pc.SignalingState(); st != webrtc.SignalingStateStable {
		util.LogDebug("[negotiator] offer deferred: signaling state %s", st)
		n.mu.Unlock()
		return
	}
	n.offerStarted = true
	n.mu.Unlock()

	if err := n.offer(); err != nil {
		n.fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
}

func (n *Negotiator) offer() error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := encodeDescription(offer)
	if err != nil {
		return err
	}

	// The answer can race the return of signal; be ready for it first.
	n.mu.Lock()
	if !n.terminal() {
		n.setState(StateOfferSent)
	}
	n.mu.Unlock()
	n.markStarted()

	if err := n.signal("", payload); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	util.LogDebug("[negotiator] offer sent")
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound signals
// ──────────────────────────────────────────────────────────────────────────────

// HandleSignal applies one payload relayed from the peer with id from.
// Descriptions that do not fit the current state are ignored; only failures
// that leave the connection unusable are returned.
func (n *Negotiator) HandleSignal(from string, raw json.RawMessage) error {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	p, err := parseSignal(raw)
	if err != nil {
		util.LogWarning("ignoring malformed signal from %s: %v", from, err)
		return nil
	}

	if p.SDP != "" {
		desc, ok := p.description()
		if !ok {
			util.LogWarning("ignoring %q description from %s", p.Type, from)
			return nil
		}
		if desc.Type == webrtc.SDPTypeOffer {
			return n.handleOffer(from, desc)
		}
		return n.handleAnswer(from, desc)
	}

	n.handleCandidate(p.candidate())
	return nil
}

func (n *Negotiator) handleOffer(from string, offer webrtc.SessionDescription) error {
	n.mu.Lock()
	idle := n.state == StateNew || n.state == StateAwaitingOffer
	sigState := n.pc.SignalingState()
	if n.role != RoleReceiver || !idle || sigState != webrtc.SignalingStateStable {
		util.LogDebug("[negotiator] ignoring offer from %s in state %s (%s)", from, n.state, sigState)
		n.mu.Unlock()
		return nil
	}
	n.remote = from
	n.mu.Unlock()

	if err := n.answer(from, offer); err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		n.fail(err)
		return err
	}

	n.mu.Lock()
	if !n.terminal() {
		n.setState(StateAnswerSent)
	}
	n.mu.Unlock()
	n.markStarted()
	return nil
}

func (n *Negotiator) answer(to string, offer webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := encodeDescription(answer)
	if err != nil {
		return err
	}
	if err := n.signal(to, payload); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	util.LogDebug("[negotiator] answer sent to %s", to)
	return nil
}

func (n *Negotiator) handleAnswer(from string, answer webrtc.SessionDescription) error {
	n.mu.Lock()
	sigState := n.pc.SignalingState()
	if n.state != StateOfferSent || sigState != webrtc.SignalingStateHaveLocalOffer {
		util.LogDebug("[negotiator] ignoring answer from %s in state %s (%s)", from, n.state, sigState)
		n.mu.Unlock()
		return nil
	}
	n.remote = from
	n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		err = fmt.Errorf("%w: set remote description: %v", ErrConnectionFailed, err)
		n.fail(err)
		return err
	}

	n.mu.Lock()
	if !n.terminal() {
		n.setState(StateAnswerReceived)
	}
	n.mu.Unlock()
	n.flushCandidates()
	return nil
}

// handleCandidate applies a remote candidate, or queues it until a remote
// description exists. A candidate that fails to apply is logged and dropped.
func (n *Negotiator) handleCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(c); err != nil {
		util.LogWarning("dropping ICE candidate: %v", err)
	}
}

func (n *Negotiator) flushCandidates() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			util.LogWarning("dropping queued ICE candidate: %v", err)
		}
	}
}

func (n *Negotiator) sendCandidate(c webrtc.ICECandidateInit) {
	payload, err := encodeCandidate(c)
	if err != nil {
		util.LogWarning("encode ICE candidate: %v", err)
		return
	}

	n.mu.Lock()
	target := n.remote
	n.mu.Unlock()

	if err := n.signal(target, payload); err != nil {
		util.LogWarning("failed to relay ICE candidate: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func (n *Negotiator) handleConnectionState(st webrtc.PeerConnectionState) {
	util.LogDebug("[negotiator] peer connection %s", st)

	switch st {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if n.state != StateClosed && n.state != StateFailed {
			n.setState(StateConnected)
		}
		n.mu.Unlock()
		n.markStarted()
		n.connectOnce.Do(func() { close(n.connected) })
	case webrtc.PeerConnectionStateFailed:
		n.fail(ErrConnectionFailed)
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("peer connection disconnected, waiting for ICE to recover")
	}
}

func (n *Negotiator) markStarted() {
	n.startOnce.Do(func() { close(n.started) })
}

func (n *Negotiator) fail(err error) {
	n.failOnce.Do(func() {
		n.mu.Lock()
		if n.state != StateClosed {
			n.setState(StateFailed)
		}
		n.failErr = err
		n.mu.Unlock()
		close(n.failed)
	})
}

// Wait blocks until the connection is up. The connect timeout starts once
// negotiation does (offer sent or offer applied); waiting for the peer to
// show up is bounded only by ctx.
func (n *Negotiator) Wait(ctx context.Context) error {
	select {
	case <-n.started:
	case <-n.connected:
		return nil
	case <-n.failed:
		return n.failErr
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(n.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-n.connected:
		return nil
	case <-n.failed:
		return n.failErr
	case <-timer.C:
		n.fail(ErrConnectionTimeout)
		return fmt.Errorf("%w after %s", ErrConnectionTimeout, n.opts.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the PeerConnection down. Safe to call more than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return nil
	}
	n.setState(StateClosed)
	if n.debounce != nil {
		n.debounce.Stop()
	}
	n.mu.Unlock()

	return n.pc.Close()
}
