// Package protocol defines the messages exchanged on the file DataChannel.
//
// Control messages are JSON text frames distinguished by their "type" field.
// Payload bytes travel as binary frames: for every file, one IV frame followed
// by the file's ciphertext split into chunks. Binary frames carry no header;
// the receiver attributes them by arrival order and running byte counts.
package protocol

// MessageType tags a control message.
type MessageType string

const (
	TypeHandshake MessageType = "handshake" // sender → receiver, retried until acknowledged
	TypeAck       MessageType = "ack"       // receiver → sender, answers a handshake
	TypeMeta      MessageType = "meta"      // sender → receiver, the batch's file descriptors
	TypeComplete  MessageType = "complete"  // receiver → sender, every file received and decrypted
)

// Fixed message bodies, kept identical to what browser peers send.
const (
	HandshakeReady = "ready"
	AckReady       = "receiver-ready"
)

// ChunkSize is the maximum size of one binary payload frame.
const ChunkSize = 256 * 1024

// FileDescriptor announces one file of the batch before any of its bytes.
type FileDescriptor struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`         // ciphertext length
	OriginalSize int64  `json:"originalSize"` // plaintext length
	Type         string `json:"type"`         // MIME type, may be empty
}

// ControlMessage is the JSON envelope of every text frame.
type ControlMessage struct {
	Type    MessageType      `json:"type"`
	Message string           `json:"message,omitempty"`
	Files   []FileDescriptor `json:"files,omitempty"`
}
