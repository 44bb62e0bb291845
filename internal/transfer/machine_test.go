package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
)

func textEvent(t *testing.T, msg protocol.ControlMessage) event {
	t.Helper()
	text, err := protocol.Encode(msg)
	require.NoError(t, err)
	return event{kind: evText, data: []byte(text)}
}

func kinds(actions []action) []actionKind {
	out := make([]actionKind, len(actions))
	for i, a := range actions {
		out[i] = a.kind
	}
	return out
}

func TestSenderMachineHappyPath(t *testing.T) {
	files := []protocol.FileDescriptor{
		{Name: "a", Size: 26, OriginalSize: 10},
		{Name: "b", Size: 16, OriginalSize: 0},
	}
	m := newSenderMachine(files, Options{HandshakeRetries: 5, AwaitCompletion: true})

	assert.Equal(t, []actionKind{actStartRetry}, kinds(m.handle(event{kind: evOpen})))
	st, _ := m.state()
	assert.Equal(t, StateAwaitingAck, st)

	acts := m.handle(event{kind: evRetry})
	require.Equal(t, []actionKind{actSend}, kinds(acts))
	assert.Equal(t, protocol.TypeHandshake, acts[0].msg.Type)

	acts = m.handle(textEvent(t, protocol.Ack()))
	require.Equal(t, []actionKind{actStopRetry, actSend}, kinds(acts))
	assert.Equal(t, protocol.TypeMeta, acts[1].msg.Type)
	assert.Equal(t, files, acts[1].msg.Files)
	assert.True(t, acts[1].report)

	// A late retry tick after the ack is ignored.
	assert.Empty(t, m.handle(event{kind: evRetry}))

	acts = m.handle(event{kind: evSent})
	require.Equal(t, []actionKind{actSendFile}, kinds(acts))
	assert.Equal(t, 0, acts[0].index)

	acts = m.handle(event{kind: evSent})
	require.Equal(t, []actionKind{actSendFile}, kinds(acts))
	assert.Equal(t, 1, acts[0].index)
	st, idx := m.state()
	assert.Equal(t, StateSendingFile, st)
	assert.Equal(t, 1, idx)

	assert.Equal(t, []actionKind{actStartCompletionTimer}, kinds(m.handle(event{kind: evSent})))
	assert.Equal(t, []actionKind{actFinish}, kinds(m.handle(textEvent(t, protocol.Complete()))))

	res := m.result()
	assert.True(t, res.Confirmed)
	assert.Equal(t, int64(42), res.Bytes)
}

func TestSenderMachineGivesUpAfterRetries(t *testing.T) {
	m := newSenderMachine([]protocol.FileDescriptor{{Name: "a", Size: 16}}, Options{HandshakeRetries: 2})
	m.handle(event{kind: evOpen})

	for i := 0; i < 3; i++ {
		acts := m.handle(event{kind: evRetry})
		require.Equal(t, []actionKind{actSend}, kinds(acts), "handshake %d", i)
	}

	acts := m.handle(event{kind: evRetry})
	require.Equal(t, []actionKind{actStopRetry, actFail}, kinds(acts))
	assert.ErrorIs(t, acts[1].err, ErrReceiverUnresponsive)
}

func TestSenderMachineIgnoresWrongAck(t *testing.T) {
	m := newSenderMachine([]protocol.FileDescriptor{{Name: "a", Size: 16}}, Options{})
	m.handle(event{kind: evOpen})

	assert.Empty(t, m.handle(textEvent(t, protocol.ControlMessage{Type: protocol.TypeAck, Message: "nope"})))
	assert.Empty(t, m.handle(event{kind: evText, data: []byte("garbage")}))
	assert.Empty(t, m.handle(event{kind: evBinary, data: []byte{1, 2}}))

	st, _ := m.state()
	assert.Equal(t, StateAwaitingAck, st)
}

func TestSenderMachineCloseWhileSending(t *testing.T) {
	m := newSenderMachine([]protocol.FileDescriptor{{Name: "a", Size: 16}}, Options{})
	m.handle(event{kind: evOpen})
	m.handle(textEvent(t, protocol.Ack()))

	acts := m.handle(event{kind: evClosed})
	require.Equal(t, []actionKind{actStopRetry, actFail}, kinds(acts))
	assert.ErrorIs(t, acts[1].err, ErrChannelClosedPrematurely)
}

func TestSenderMachineCloseWhileAwaitingCompletion(t *testing.T) {
	m := newSenderMachine([]protocol.FileDescriptor{{Name: "a", Size: 16}}, Options{AwaitCompletion: true})
	m.handle(event{kind: evOpen})
	m.handle(textEvent(t, protocol.Ack()))
	m.handle(event{kind: evSent})
	m.handle(event{kind: evSent})

	assert.Equal(t, []actionKind{actFinish}, kinds(m.handle(event{kind: evClosed})))
	assert.False(t, m.result().Confirmed)
}

func TestReceiverMachineIgnoresBinaryBeforeMeta(t *testing.T) {
	k, err := keys.Generate()
	require.NoError(t, err)
	m := newReceiverMachine(k, Options{MaxFileSize: DefaultMaxFileSize})

	assert.Empty(t, m.handle(event{kind: evBinary, data: make([]byte, keys.IVSize)}))
	st, _ := m.state()
	assert.Equal(t, StateIdle, st)

	acts := m.handle(textEvent(t, protocol.Handshake()))
	require.Equal(t, []actionKind{actSend}, kinds(acts))
	assert.Equal(t, protocol.Ack(), acts[0].msg)

	// Retransmitted handshakes are answered again.
	assert.Equal(t, []actionKind{actSend}, kinds(m.handle(textEvent(t, protocol.Handshake()))))

	assert.Empty(t, m.handle(event{kind: evBinary, data: []byte("stray")}))
	st, _ = m.state()
	assert.Equal(t, StateAwaitingMeta, st)
}

func TestReceiverMachineAcceptsMetadataOnce(t *testing.T) {
	k, err := keys.Generate()
	require.NoError(t, err)
	m := newReceiverMachine(k, Options{MaxFileSize: DefaultMaxFileSize})
	m.handle(textEvent(t, protocol.Handshake()))

	first := []protocol.FileDescriptor{{Name: "empty", Size: 0, OriginalSize: 0}}
	assert.Empty(t, m.handle(textEvent(t, protocol.Meta(first))))
	st, _ := m.state()
	assert.Equal(t, StateAwaitingIV, st)

	second := []protocol.FileDescriptor{{Name: "other", Size: 26, OriginalSize: 10}}
	assert.Empty(t, m.handle(textEvent(t, protocol.Meta(second))))
	assert.Equal(t, first, m.files)

	// The declared-empty file completes on its IV.
	acts := m.handle(event{kind: evBinary, data: make([]byte, keys.IVSize)})
	require.Equal(t, []actionKind{actProgress, actSend}, kinds(acts))
	assert.True(t, acts[0].progress.FileDone)
	assert.Equal(t, protocol.TypeComplete, acts[1].msg.Type)
	assert.True(t, acts[1].bestEffort)

	// Closing while the confirmation is in flight is not an error.
	assert.Empty(t, m.handle(event{kind: evClosed}))
	assert.Equal(t, []actionKind{actFinish}, kinds(m.handle(event{kind: evSent})))
	assert.Len(t, m.received(), 1)
}

func TestReceiverMachineRejectsInvalidMetadata(t *testing.T) {
	k, err := keys.Generate()
	require.NoError(t, err)
	m := newReceiverMachine(k, Options{MaxFileSize: DefaultMaxFileSize})

	acts := m.handle(event{kind: evText, data: []byte(`{"type":"meta","files":[{"name":"a","size":"big","originalSize":1}]}`)})
	require.Equal(t, []actionKind{actFail}, kinds(acts))
	assert.ErrorIs(t, acts[0].err, protocol.ErrInvalidMetadata)
}

func TestReceiverMachineEnforcesMaxFileSize(t *testing.T) {
	k, err := keys.Generate()
	require.NoError(t, err)
	m := newReceiverMachine(k, Options{MaxFileSize: 1024})

	acts := m.handle(textEvent(t, protocol.Meta([]protocol.FileDescriptor{{Name: "a", Size: 4112, OriginalSize: 4096}})))
	require.Equal(t, []actionKind{actFail}, kinds(acts))
	assert.ErrorIs(t, acts[0].err, protocol.ErrInvalidMetadata)
}

func TestReceiverMachineCloseMidTransfer(t *testing.T) {
	k, err := keys.Generate()
	require.NoError(t, err)
	m := newReceiverMachine(k, Options{MaxFileSize: DefaultMaxFileSize})
	m.handle(textEvent(t, protocol.Meta([]protocol.FileDescriptor{{Name: "a", Size: 26, OriginalSize: 10}})))
	m.handle(event{kind: evBinary, data: make([]byte, keys.IVSize)})

	st, _ := m.state()
	assert.Equal(t, StateReceivingChunks, st)

	acts := m.handle(event{kind: evClosed})
	require.Equal(t, []actionKind{actFail}, kinds(acts))
	assert.ErrorIs(t, acts[0].err, ErrChannelClosedPrematurely)
}
