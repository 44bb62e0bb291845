package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pshare/internal/util"
)

const (
	clientWriteTimeout = 5 * time.Second
	eventBufferSize    = 64
)

// Client is one participant's connection to the relay. Relay events are
// read on a background goroutine and delivered through Events.
type Client struct {
	conn  *websocket.Conn
	token string

	writeMu sync.Mutex

	mu   sync.Mutex
	id   string
	room string

	joining atomic.Bool
	joinCh  chan Message
	events  chan Message

	stop      chan struct{}
	done      chan struct{}
	err       error
	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the relay's websocket endpoint, e.g.
//
//	wss://relay.example.com/api/signaling
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrSignalingLost, url, err)
	}

	c := &Client{
		conn:   conn,
		token:  uuid.NewString(),
		joinCh: make(chan Message, 1),
		events: make(chan Message, eventBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.err = fmt.Errorf("%w: %v", ErrSignalingLost, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("ignoring malformed relay message: %v", err)
			continue
		}

		switch msg.Type {
		case TypeJoined:
			select {
			case c.joinCh <- msg:
			default:
			}
			continue
		case TypeError:
			if c.joining.Load() {
				select {
				case c.joinCh <- msg:
				default:
				}
				continue
			}
			util.LogWarning("relay: %s", msg.Error)
		}

		select {
		case c.events <- msg:
		case <-c.stop:
			return
		}
	}
}

// Join enters room and returns the relay-assigned id.
func (c *Client) Join(ctx context.Context, room string) (string, error) {
	c.joining.Store(true)
	defer c.joining.Store(false)

	if err := c.write(Message{Type: TypeJoin, Room: room, SessionToken: c.token}); err != nil {
		return "", err
	}

	select {
	case msg := <-c.joinCh:
		if msg.Type == TypeError {
			return "", fmt.Errorf("%w: %s", ErrInvalidRequest, msg.Error)
		}
		c.mu.Lock()
		c.id = msg.ID
		c.room = room
		c.mu.Unlock()
		return msg.ID, nil
	case <-c.done:
		return "", c.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Signal relays payload to target, or to the rest of the joined room when
// target is empty.
func (c *Client) Signal(target string, payload json.RawMessage) error {
	if target == "" {
		target = c.Room()
	}
	return c.write(Message{Type: TypeSignal, Target: target, Signal: payload, SessionToken: c.token})
}

// TransferComplete tells the relay the transfer finished so it can release
// the room on both ends.
func (c *Client) TransferComplete() error {
	return c.write(Message{Type: TypeTransferComplete, Room: c.Room(), SessionToken: c.token})
}

func (c *Client) write(msg Message) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingLost, err)
	}
	return nil
}

// Events delivers peer-online, peer-offline, signal, transfer-complete and
// unsolicited error messages. It is closed when the connection ends.
func (c *Client) Events() <-chan Message { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended: nil after Close, ErrSignalingLost otherwise.
func (c *Client) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if c.err == nil && !c.closing.Load() {
		return ErrSignalingLost
	}
	return c.err
}

// ID returns the relay-assigned id, empty before Join.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Room returns the joined room, empty before Join.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}
