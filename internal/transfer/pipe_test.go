package transfer

import (
	"errors"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Channel = (*memChannel)(nil)

// memChannel is one end of an in-memory ordered data channel. Frames sent on
// one end are delivered, in order, to the session attached to the other end
// by a pump goroutine that drains the simulated send buffer. drainDelay slows
// the pump down to emulate a slow link.
type memChannel struct {
	mu        sync.Mutex
	buffered  uint64
	threshold uint64
	onLow     func()
	closed    bool
	queue     chan Message

	peer       *memChannel
	session    *Session
	drainDelay time.Duration
	shared     *sync.Once

	// sends records the buffered amount around every Send/SendText.
	sends []bufferSample
}

type bufferSample struct {
	before, after uint64
}

// memPipe creates a linked pair of channels. Attach a session to each end
// before starting the pumps.
func memPipe(drainDelay time.Duration) (a, b *memChannel) {
	once := &sync.Once{}
	a = &memChannel{queue: make(chan Message, 4096), drainDelay: drainDelay, shared: once}
	b = &memChannel{queue: make(chan Message, 4096), drainDelay: drainDelay, shared: once}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) attach(s *Session) { c.session = s }

// start launches the pump for frames sent on c.
func (c *memChannel) start() {
	go func() {
		for msg := range c.queue {
			if c.drainDelay > 0 {
				time.Sleep(c.drainDelay)
			}

			c.peer.session.Deliver(msg)

			c.mu.Lock()
			before := c.buffered
			c.buffered -= uint64(len(msg.Data))
			fire := before > c.threshold && c.buffered <= c.threshold
			fn := c.onLow
			c.mu.Unlock()

			if fire && fn != nil {
				fn()
			}
		}
		c.peer.session.ChannelClosed()
	}()
}

func (c *memChannel) enqueue(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	before := c.buffered
	c.buffered += uint64(len(msg.Data))
	c.sends = append(c.sends, bufferSample{before: before, after: c.buffered})
	c.queue <- msg
	return nil
}

func (c *memChannel) Send(data []byte) error {
	return c.enqueue(Message{Data: append([]byte(nil), data...)})
}

func (c *memChannel) SendText(s string) error {
	return c.enqueue(Message{IsString: true, Data: []byte(s)})
}

func (c *memChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *memChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *memChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

// Close closes both directions; queued frames are still delivered first.
func (c *memChannel) Close() error {
	c.shared.Do(func() {
		for _, end := range []*memChannel{c, c.peer} {
			end.mu.Lock()
			end.closed = true
			close(end.queue)
			end.mu.Unlock()
		}
	})
	return nil
}

func (c *memChannel) samples() []bufferSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bufferSample(nil), c.sends...)
}

// recordingChannel is a channel with no peer: it records what the session
// sends and lets the test drive the buffered amount by hand.
type recordingChannel struct {
	mu       sync.Mutex
	texts    []string
	binary   [][]byte
	buffered uint64
	onLow    func()
	closed   bool
}

var _ Channel = (*recordingChannel)(nil)

func (c *recordingChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *recordingChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.texts = append(c.texts, s)
	return nil
}

func (c *recordingChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *recordingChannel) SetBufferedAmountLowThreshold(uint64) {}

func (c *recordingChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// setBuffered changes the buffered amount and, when drain is set, fires the
// low-threshold callback.
func (c *recordingChannel) setBuffered(n uint64, drain bool) {
	c.mu.Lock()
	c.buffered = n
	fn := c.onLow
	c.mu.Unlock()
	if drain && fn != nil {
		fn()
	}
}

func (c *recordingChannel) textCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func (c *recordingChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
