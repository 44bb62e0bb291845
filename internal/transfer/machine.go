package transfer

import (
	"errors"
	"fmt"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
	"github.com/1ureka/p2pshare/internal/reassembly"
	"github.com/1ureka/p2pshare/internal/util"
)

var (
	// ErrChannelClosedPrematurely is returned when the data channel closes
	// before the transfer reaches its terminal state.
	ErrChannelClosedPrematurely = errors.New("channel closed prematurely")

	// ErrReceiverUnresponsive is returned when every handshake retransmission
	// went unacknowledged.
	ErrReceiverUnresponsive = errors.New("receiver unresponsive")
)

// State names a step of the sender or receiver state machine.
type State string

const (
	StateIdle State = "idle"

	// sender
	StateAwaitingAck        State = "awaiting-ack"
	StateSendingMetadata    State = "sending-metadata"
	StateSendingFile        State = "sending-file"
	StateAwaitingCompletion State = "awaiting-completion"

	// receiver
	StateAwaitingMeta    State = "awaiting-meta"
	StateAwaitingIV      State = "awaiting-iv"
	StateReceivingChunks State = "receiving-chunks"
	StateAllReceived     State = "all-received"

	StateDone   State = "done"
	StateFailed State = "failed"
)

type eventKind int

const (
	evOpen              eventKind = iota // channel is open
	evText                               // text frame
	evBinary                             // binary frame
	evSent                               // a reporting send action finished
	evRetry                              // handshake timer fired
	evCompletionTimeout                  // sender gave up waiting for "complete"
	evClosed                             // channel closed
)

type event struct {
	kind eventKind
	data []byte
}

type actionKind int

const (
	actSend actionKind = iota
	actSendFile
	actStartRetry
	actStopRetry
	actStartCompletionTimer
	actProgress
	actFinish
	actFail
)

type action struct {
	kind actionKind

	msg        protocol.ControlMessage // actSend
	report     bool                    // actSend: feed evSent back when done
	bestEffort bool                    // actSend: a failed send is logged, not fatal

	index    int      // actSendFile
	progress Progress // actProgress
	err      error    // actFail
}

// machine is a transport-free state machine: every call maps the current
// state and one event to the next state and the actions to perform.
type machine interface {
	handle(ev event) []action
	state() (State, int)
	result() Result
}

func decodeText(data []byte) (protocol.ControlMessage, error) {
	return protocol.Decode(string(data))
}

// ──────────────────────────────────────────────────────────────────────────────
// Sender
// ──────────────────────────────────────────────────────────────────────────────

type senderMachine struct {
	st    State
	index int
	files []protocol.FileDescriptor

	handshakes      int
	maxRetries      int
	awaitCompletion bool
	confirmed       bool
}

func newSenderMachine(files []protocol.FileDescriptor, opts Options) *senderMachine {
	return &senderMachine{
		st:              StateIdle,
		files:           files,
		maxRetries:      opts.HandshakeRetries,
		awaitCompletion: opts.AwaitCompletion,
	}
}

func (m *senderMachine) state() (State, int) { return m.st, m.index }

func (m *senderMachine) result() Result {
	var total int64
	for _, f := range m.files {
		total += f.Size
	}
	return Result{Files: len(m.files), Bytes: total, Confirmed: m.confirmed}
}

func (m *senderMachine) set(st State) {
	util.LogDebug("[transfer] sender %s → %s", m.st, st)
	m.st = st
}

func (m *senderMachine) fail(err error) []action {
	m.set(StateFailed)
	return []action{{kind: actStopRetry}, {kind: actFail, err: err}}
}

func (m *senderMachine) handle(ev event) []action {
	if m.st == StateDone || m.st == StateFailed {
		return nil
	}

	switch ev.kind {
	case evClosed:
		if m.st == StateAwaitingCompletion {
			util.LogWarning("channel closed before the receiver confirmed completion")
			m.set(StateDone)
			return []action{{kind: actFinish}}
		}
		return m.fail(ErrChannelClosedPrematurely)
	case evBinary:
		util.LogDebug("[transfer] sender ignored %d byte binary frame", len(ev.data))
		return nil
	}

	switch m.st {
	case StateIdle:
		if ev.kind == evOpen {
			m.set(StateAwaitingAck)
			return []action{{kind: actStartRetry}}
		}

	case StateAwaitingAck:
		switch ev.kind {
		case evRetry:
			if m.handshakes > m.maxRetries {
				return m.fail(fmt.Errorf("%w: no ack after %d handshakes", ErrReceiverUnresponsive, m.handshakes))
			}
			m.handshakes++
			if m.handshakes > 1 {
				util.LogDebug("[transfer] retrying handshake (%d/%d)", m.handshakes-1, m.maxRetries)
			}
			return []action{{kind: actSend, msg: protocol.Handshake()}}
		case evText:
			msg, err := decodeText(ev.data)
			if err != nil || msg.Type != protocol.TypeAck || msg.Message != protocol.AckReady {
				util.LogDebug("[transfer] sender ignored text frame while awaiting ack: %s", ev.data)
				return nil
			}
			m.set(StateSendingMetadata)
			return []action{
				{kind: actStopRetry},
				{kind: actSend, msg: protocol.Meta(m.files), report: true},
			}
		}

	case StateSendingMetadata:
		if ev.kind == evSent {
			m.set(StateSendingFile)
			m.index = 0
			return []action{{kind: actSendFile, index: 0}}
		}

	case StateSendingFile:
		if ev.kind == evSent {
			if m.index+1 < len(m.files) {
				m.index++
				util.LogDebug("[transfer] sending file %d/%d", m.index+1, len(m.files))
				return []action{{kind: actSendFile, index: m.index}}
			}
			if !m.awaitCompletion {
				m.set(StateDone)
				return []action{{kind: actFinish}}
			}
			m.set(StateAwaitingCompletion)
			return []action{{kind: actStartCompletionTimer}}
		}

	case StateAwaitingCompletion:
		switch ev.kind {
		case evText:
			msg, err := decodeText(ev.data)
			if err != nil || msg.Type != protocol.TypeComplete {
				return nil
			}
			m.confirmed = true
			m.set(StateDone)
			return []action{{kind: actFinish}}
		case evCompletionTimeout:
			util.LogWarning("receiver did not confirm completion in time")
			m.set(StateDone)
			return []action{{kind: actFinish}}
		}
	}

	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Receiver
// ──────────────────────────────────────────────────────────────────────────────

type receiverMachine struct {
	st    State
	key   *keys.Key
	files []protocol.FileDescriptor
	asm   *reassembly.Reassembler

	maxFileSize int64
	total       int64
}

func newReceiverMachine(key *keys.Key, opts Options) *receiverMachine {
	return &receiverMachine{
		st:          StateIdle,
		key:         key,
		maxFileSize: opts.MaxFileSize,
	}
}

func (m *receiverMachine) state() (State, int) {
	if m.asm == nil {
		return m.st, 0
	}
	idx, _ := m.asm.Current()
	return m.st, idx
}

func (m *receiverMachine) result() Result {
	return Result{Files: len(m.files), Bytes: m.total, Confirmed: m.st == StateDone}
}

func (m *receiverMachine) set(st State) {
	if m.st != st {
		util.LogDebug("[transfer] receiver %s → %s", m.st, st)
	}
	m.st = st
}

func (m *receiverMachine) fail(err error) []action {
	m.set(StateFailed)
	return []action{{kind: actFail, err: err}}
}

func (m *receiverMachine) handle(ev event) []action {
	if m.st == StateDone || m.st == StateFailed {
		return nil
	}

	switch ev.kind {
	case evClosed:
		// The confirmation is already on its way; evSent finishes the session.
		if m.st == StateAllReceived {
			return nil
		}
		return m.fail(ErrChannelClosedPrematurely)
	case evText:
		return m.handleText(ev.data)
	case evBinary:
		return m.handleBinary(ev.data)
	case evSent:
		if m.st == StateAllReceived {
			m.set(StateDone)
			return []action{{kind: actFinish}}
		}
	}
	return nil
}

func (m *receiverMachine) handleText(data []byte) []action {
	msg, err := decodeText(data)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidMetadata) && m.asm == nil {
			return m.fail(err)
		}
		util.LogWarning("ignoring malformed control message: %v", err)
		return nil
	}

	switch msg.Type {
	case protocol.TypeHandshake:
		// Answer retransmissions too: the first ack may have crossed one.
		if m.st != StateIdle && m.st != StateAwaitingMeta {
			return nil
		}
		m.set(StateAwaitingMeta)
		return []action{{kind: actSend, msg: protocol.Ack()}}

	case protocol.TypeMeta:
		if m.asm != nil {
			util.LogWarning("ignoring repeated metadata")
			return nil
		}
		if err := protocol.ValidateMeta(msg.Files, m.maxFileSize); err != nil {
			return m.fail(err)
		}
		m.files = msg.Files
		m.asm = reassembly.New(m.key, msg.Files)
		for _, f := range msg.Files {
			m.total += f.Size
		}
		util.LogInfo("receiving %d file(s), %s", len(msg.Files), util.FormatBytes(float64(m.total)))
		m.set(StateAwaitingIV)
		return nil
	}

	util.LogDebug("[transfer] receiver ignored %q message", msg.Type)
	return nil
}

func (m *receiverMachine) handleBinary(data []byte) []action {
	if m.asm == nil {
		util.LogWarning("ignoring %d byte binary frame received before metadata", len(data))
		return nil
	}
	if m.st != StateAwaitingIV && m.st != StateReceivingChunks {
		util.LogWarning("ignoring %d byte binary frame after the last file", len(data))
		return nil
	}

	idx, _ := m.asm.Current()
	fileDone, err := m.asm.Feed(data)
	if err != nil {
		return m.fail(err)
	}

	fileBytes, received := m.asm.Progress()
	if fileDone {
		fileBytes = m.files[idx].Size
	}
	progress := action{kind: actProgress, progress: Progress{
		File:      idx,
		Files:     len(m.files),
		FileBytes: fileBytes,
		FileSize:  m.files[idx].Size,
		Bytes:     received,
		Total:     m.total,
		FileDone:  fileDone,
	}}

	if m.asm.Complete() {
		m.set(StateAllReceived)
		return []action{progress, {kind: actSend, msg: protocol.Complete(), report: true, bestEffort: true}}
	}

	if _, awaitingIV := m.asm.Current(); awaitingIV {
		m.set(StateAwaitingIV)
	} else {
		m.set(StateReceivingChunks)
	}
	return []action{progress}
}

// received returns the decrypted batch once the receiver is done.
func (m *receiverMachine) received() []reassembly.File {
	if m.asm == nil {
		return nil
	}
	return m.asm.Files()
}
