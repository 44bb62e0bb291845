package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
	"github.com/1ureka/p2pshare/internal/reassembly"
	"github.com/1ureka/p2pshare/internal/util"
)

const eventQueueSize = 256

// Result summarizes a finished transfer.
type Result struct {
	Files int
	Bytes int64 // ciphertext bytes of the whole batch

	// Confirmed is set on the sender when the receiver answered with
	// "complete", and on the receiver once everything decrypted.
	Confirmed bool

	// Artifact is the receiver's output.
	Artifact *reassembly.Artifact
}

// Session owns one transfer over one channel. Wire the channel callbacks to
// Open, Deliver and ChannelClosed, then call Run once.
type Session struct {
	role    string
	ch      Channel
	key     *keys.Key
	opts    Options
	m       machine
	sources []Source

	events    chan event
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	flow       *flowGate
	retry      *task
	completion *task

	mu sync.Mutex // guards m against State

	sent int64
}

// NewSender prepares a session that offers sources to the peer.
func NewSender(ch Channel, key *keys.Key, sources []Source, opts Options) (*Session, error) {
	if len(sources) == 0 {
		return nil, errors.New("nothing to send")
	}
	for _, src := range sources {
		if src.Name == "" || src.Load == nil {
			return nil, fmt.Errorf("invalid source %q", src.Name)
		}
	}

	opts = opts.withDefaults()
	s := newSession("sender", ch, key, opts)
	s.sources = sources
	s.m = newSenderMachine(describe(sources), opts)
	return s, nil
}

// NewReceiver prepares a session that accepts one batch from the peer.
func NewReceiver(ch Channel, key *keys.Key, opts Options) *Session {
	opts = opts.withDefaults()
	s := newSession("receiver", ch, key, opts)
	s.m = newReceiverMachine(key, opts)
	return s
}

func newSession(role string, ch Channel, key *keys.Key, opts Options) *Session {
	s := &Session{
		role:   role,
		ch:     ch,
		key:    key,
		opts:   opts,
		events: make(chan event, eventQueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.flow = newFlowGate(ch, opts.HighWaterMark, opts.LowWaterMark, s.closed)
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Channel callbacks
// ──────────────────────────────────────────────────────────────────────────────

// Open reports that the channel is open.
func (s *Session) Open() {
	s.post(event{kind: evOpen})
}

// Deliver hands an inbound frame to the session.
func (s *Session) Deliver(msg Message) {
	util.Stats.AddRecv(len(msg.Data))
	if msg.IsString {
		s.post(event{kind: evText, data: msg.Data})
		return
	}
	s.post(event{kind: evBinary, data: msg.Data})
}

// ChannelClosed reports that the channel closed, from either end.
func (s *Session) ChannelClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.post(event{kind: evClosed})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// State returns the current state and file index.
func (s *Session) State() (State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.state()
}

// ──────────────────────────────────────────────────────────────────────────────
// Event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes events until the transfer reaches a terminal state or ctx is
// cancelled. The channel is closed on every exit path.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer close(s.done)
	defer s.stopTasks()

	for {
		select {
		case <-ctx.Done():
			s.ch.Close()
			return Result{}, ctx.Err()
		case ev := <-s.events:
			res, finished, err := s.dispatch(ctx, ev)
			if finished {
				return res, err
			}
		}
	}
}

// dispatch feeds ev to the machine and performs the resulting actions.
// Completion of a reporting send is fed back before any queued channel event.
func (s *Session) dispatch(ctx context.Context, ev event) (Result, bool, error) {
	pending := []event{ev}

	for len(pending) > 0 {
		ev, pending = pending[0], pending[1:]

		s.mu.Lock()
		actions := s.m.handle(ev)
		s.mu.Unlock()

		for _, a := range actions {
			switch a.kind {
			case actSend:
				if err := s.sendControl(ctx, a.msg); err != nil {
					if !a.bestEffort {
						return s.abort(ctx, fmt.Errorf("send %s: %w", a.msg.Type, err))
					}
					util.LogWarning("failed to send %s: %v", a.msg.Type, err)
				}
				if a.report {
					pending = append(pending, event{kind: evSent})
				}

			case actSendFile:
				if err := s.sendFile(ctx, a.index); err != nil {
					return s.abort(ctx, err)
				}
				pending = append(pending, event{kind: evSent})

			case actStartRetry:
				s.retry.cancel()
				s.retry = startTask(s.opts.HandshakeDelay, s.opts.HandshakeInterval, s.events, event{kind: evRetry})

			case actStopRetry:
				s.retry.cancel()

			case actStartCompletionTimer:
				s.completion = startTask(s.opts.CompletionTimeout, 0, s.events, event{kind: evCompletionTimeout})

			case actProgress:
				if a.progress.FileDone {
					util.Stats.AddFileRecv()
				}
				s.report(a.progress)

			case actFinish:
				res, err := s.finish(ctx)
				return res, true, err

			case actFail:
				util.LogError("%s failed: %v", s.role, a.err)
				s.ch.Close()
				return Result{}, true, a.err
			}
		}
	}

	return Result{}, false, nil
}

func (s *Session) abort(ctx context.Context, err error) (Result, bool, error) {
	s.ch.Close()

	switch {
	case ctx.Err() != nil:
		return Result{}, true, ctx.Err()
	case s.isClosed():
		return Result{}, true, fmt.Errorf("%w: %v", ErrChannelClosedPrematurely, err)
	}
	return Result{}, true, err
}

func (s *Session) finish(ctx context.Context) (Result, error) {
	s.stopTasks()
	s.flush(ctx)
	s.ch.Close()

	res := s.m.result()
	if rm, ok := s.m.(*receiverMachine); ok {
		artifact, err := reassembly.Package(rm.received(), s.opts.ArchiveThreshold, time.Now())
		if err != nil {
			return res, err
		}
		res.Artifact = &artifact
	}

	util.LogSuccess("%s done: %d file(s), %s", s.role, res.Files, util.FormatBytes(float64(res.Bytes)))
	return res, nil
}

// flush waits for the send buffer to empty so Close does not drop queued
// frames. It gives up when the channel closes or FlushTimeout elapses.
func (s *Session) flush(ctx context.Context) {
	if s.ch.BufferedAmount() == 0 {
		return
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(s.opts.FlushTimeout)
	defer deadline.Stop()

	for s.ch.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-s.closed:
			return
		case <-deadline.C:
			util.LogWarning("closing with %d bytes still buffered", s.ch.BufferedAmount())
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) stopTasks() {
	s.retry.cancel()
	s.completion.cancel()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) report(p Progress) {
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Sending
// ──────────────────────────────────────────────────────────────────────────────

func (s *Session) sendControl(ctx context.Context, msg protocol.ControlMessage) error {
	text, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.flow.wait(ctx); err != nil {
		return err
	}
	if err := s.ch.SendText(text); err != nil {
		return err
	}
	util.Stats.AddSent(len(text))
	return nil
}

func (s *Session) sendBinary(ctx context.Context, data []byte) error {
	if err := s.flow.wait(ctx); err != nil {
		return err
	}
	if err := s.ch.Send(data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// sendFile encrypts file i as one unit and streams its IV followed by the
// ciphertext in ChunkSize frames.
func (s *Session) sendFile(ctx context.Context, i int) error {
	src := s.sources[i]

	plaintext, err := src.Load()
	if err != nil {
		return fmt.Errorf("read %s: %w", src.Name, err)
	}
	if int64(len(plaintext)) != src.Size {
		return fmt.Errorf("%s changed size: announced %d bytes, read %d", src.Name, src.Size, len(plaintext))
	}

	sealed, err := keys.Encrypt(plaintext, s.key)
	if err != nil {
		return err
	}

	if err := s.sendBinary(ctx, sealed.IV); err != nil {
		return fmt.Errorf("send iv for %s: %w", src.Name, err)
	}

	size := int64(len(sealed.Ciphertext))
	var fileSent int64
	for j, chunk := range protocol.Split(sealed.Ciphertext, s.opts.ChunkSize) {
		if j > 0 {
			if err := s.yield(ctx); err != nil {
				return err
			}
		}
		if err := s.sendBinary(ctx, chunk); err != nil {
			return fmt.Errorf("send %s at offset %d: %w", src.Name, fileSent, err)
		}

		fileSent += int64(len(chunk))
		s.sent += int64(len(chunk))
		s.report(Progress{
			File:      i,
			Files:     len(s.sources),
			FileBytes: fileSent,
			FileSize:  size,
			Bytes:     s.sent,
			Total:     s.m.result().Bytes,
			FileDone:  fileSent == size,
		})
	}

	util.Stats.AddFileSent()
	util.LogDebug("[transfer] sent %s (%d bytes)", src.Name, size)
	return nil
}

func (s *Session) yield(ctx context.Context) error {
	if s.opts.ChunkYield <= 0 {
		return nil
	}

	timer := time.NewTimer(s.opts.ChunkYield)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.closed:
		return errChannelGone
	case <-ctx.Done():
		return ctx.Err()
	}
}
