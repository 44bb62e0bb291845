// Package transfer runs one file transfer over an open data channel.
//
// A Session drives an explicit state machine: the sender handshakes, declares
// the batch, then streams every file as an IV frame plus ciphertext chunks;
// the receiver acknowledges, validates the declaration, reassembles and
// decrypts, and confirms with "complete". All channel I/O happens on the
// goroutine that calls Run; callbacks only enqueue events.
package transfer

// Channel is the subset of *webrtc.DataChannel the engine needs.
type Channel interface {
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Close() error
}

// Message is one inbound frame, text or binary.
type Message struct {
	IsString bool
	Data     []byte
}
