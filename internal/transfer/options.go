package transfer

import (
	"time"

	"github.com/1ureka/p2pshare/internal/protocol"
	"github.com/1ureka/p2pshare/internal/reassembly"
)

const (
	DefaultHighWaterMark = 64 * 1024 // suspend sending above this many buffered bytes
	DefaultLowWaterMark  = 16 * 1024 // resume once the buffer drains below this

	DefaultHandshakeDelay    = 500 * time.Millisecond
	DefaultHandshakeInterval = 2 * time.Second
	DefaultHandshakeRetries  = 5

	DefaultChunkYield        = time.Millisecond
	DefaultCompletionTimeout = 30 * time.Second
	DefaultFlushTimeout      = 5 * time.Second

	DefaultMaxFileSize = 2 << 30 // ciphertext bytes a receiver will preallocate for one file
)

// Options tunes a Session. Zero numeric fields take the defaults above;
// AwaitCompletion is used as given.
type Options struct {
	HighWaterMark uint64
	LowWaterMark  uint64
	ChunkSize     int
	ChunkYield    time.Duration

	HandshakeDelay    time.Duration
	HandshakeInterval time.Duration
	HandshakeRetries  int

	// AwaitCompletion makes the sender wait up to CompletionTimeout for the
	// receiver's "complete" before closing the channel.
	AwaitCompletion   bool
	CompletionTimeout time.Duration
	FlushTimeout      time.Duration

	MaxFileSize      int64
	ArchiveThreshold int64

	// OnProgress is called from the Run goroutine after every payload frame.
	OnProgress func(Progress)
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		HighWaterMark:     DefaultHighWaterMark,
		LowWaterMark:      DefaultLowWaterMark,
		ChunkSize:         protocol.ChunkSize,
		ChunkYield:        DefaultChunkYield,
		HandshakeDelay:    DefaultHandshakeDelay,
		HandshakeInterval: DefaultHandshakeInterval,
		HandshakeRetries:  DefaultHandshakeRetries,
		AwaitCompletion:   true,
		CompletionTimeout: DefaultCompletionTimeout,
		FlushTimeout:      DefaultFlushTimeout,
		MaxFileSize:       DefaultMaxFileSize,
		ArchiveThreshold:  reassembly.DefaultArchiveThreshold,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HighWaterMark == 0 {
		o.HighWaterMark = d.HighWaterMark
	}
	if o.LowWaterMark == 0 || o.LowWaterMark > o.HighWaterMark {
		o.LowWaterMark = min(d.LowWaterMark, o.HighWaterMark)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ChunkYield < 0 {
		o.ChunkYield = 0
	}
	if o.HandshakeDelay <= 0 {
		o.HandshakeDelay = d.HandshakeDelay
	}
	if o.HandshakeInterval <= 0 {
		o.HandshakeInterval = d.HandshakeInterval
	}
	if o.HandshakeRetries < 0 {
		o.HandshakeRetries = 0
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = d.CompletionTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = d.MaxFileSize
	}
	if o.ArchiveThreshold <= 0 {
		o.ArchiveThreshold = d.ArchiveThreshold
	}
	return o
}

// Progress reports payload movement for one side of a transfer. Sizes are
// ciphertext bytes.
type Progress struct {
	File      int // index of the file in flight
	Files     int
	FileBytes int64
	FileSize  int64
	Bytes     int64 // over the whole batch
	Total     int64
	FileDone  bool
}
