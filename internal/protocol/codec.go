package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMetadata is returned when a meta message does not describe a
// well-formed, non-empty batch.
var ErrInvalidMetadata = errors.New("invalid metadata")

// gcmOverhead mirrors keys.Overhead; every non-empty descriptor must declare
// a ciphertext exactly this much larger than its plaintext.
const gcmOverhead = 16

// maxSafeInteger is the largest integer a JavaScript peer can send exactly.
const maxSafeInteger = 1<<53 - 1

// Encode serializes a control message into a text frame.
func Encode(msg ControlMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Handshake, Ack, Complete and Meta build the four control messages.
func Handshake() ControlMessage { return ControlMessage{Type: TypeHandshake, Message: HandshakeReady} }
func Ack() ControlMessage       { return ControlMessage{Type: TypeAck, Message: AckReady} }
func Complete() ControlMessage  { return ControlMessage{Type: TypeComplete} }

func Meta(files []FileDescriptor) ControlMessage {
	return ControlMessage{Type: TypeMeta, Files: files}
}

// rawDescriptor accepts any JSON shape so validation can report exactly what
// is wrong instead of failing on the first type mismatch.
type rawDescriptor struct {
	Name         any `json:"name"`
	Size         any `json:"size"`
	OriginalSize any `json:"originalSize"`
	Type         any `json:"type"`
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Message string          `json:"message"`
	Files   json.RawMessage `json:"files"`
}

// Decode parses a text frame. For meta messages the file list is validated
// with ValidateMeta semantics and any violation wraps ErrInvalidMetadata;
// the returned message still carries its Type so callers can attribute it.
func Decode(text string) (ControlMessage, error) {
	var raw rawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return ControlMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	if raw.Type == "" {
		return ControlMessage{}, errors.New("control message without type")
	}

	msg := ControlMessage{Type: raw.Type, Message: raw.Message}
	if raw.Type != TypeMeta {
		return msg, nil
	}

	files, err := decodeFiles(raw.Files)
	if err != nil {
		return msg, err
	}
	msg.Files = files
	return msg, nil
}

func decodeFiles(data json.RawMessage) ([]FileDescriptor, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: missing file list", ErrInvalidMetadata)
	}

	var raws []rawDescriptor
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: file list is not an array of objects", ErrInvalidMetadata)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: empty file list", ErrInvalidMetadata)
	}

	files := make([]FileDescriptor, len(raws))
	for i, r := range raws {
		name, ok := r.Name.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: file %d has no name", ErrInvalidMetadata, i)
		}
		size, ok := toSize(r.Size)
		if !ok {
			return nil, fmt.Errorf("%w: file %d (%s) has a non-numeric size", ErrInvalidMetadata, i, name)
		}
		orig, ok := toSize(r.OriginalSize)
		if !ok {
			return nil, fmt.Errorf("%w: file %d (%s) has a non-numeric originalSize", ErrInvalidMetadata, i, name)
		}
		typ, _ := r.Type.(string)

		files[i] = FileDescriptor{Name: name, Size: size, OriginalSize: orig, Type: typ}
	}
	return files, ValidateMeta(files, 0)
}

func toSize(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f > maxSafeInteger || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// ValidateMeta checks declared sizes for consistency. A descriptor either
// declares an empty file (both sizes zero) or a ciphertext exactly one GCM
// tag longer than its plaintext. maxFileSize bounds the ciphertext length
// when positive.
func ValidateMeta(files []FileDescriptor, maxFileSize int64) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: empty file list", ErrInvalidMetadata)
	}
	for i, f := range files {
		if f.Name == "" {
			return fmt.Errorf("%w: file %d has no name", ErrInvalidMetadata, i)
		}
		if f.Size < 0 || f.OriginalSize < 0 {
			return fmt.Errorf("%w: file %d (%s) has a negative size", ErrInvalidMetadata, i, f.Name)
		}
		empty := f.Size == 0 && f.OriginalSize == 0
		if !empty && f.Size != f.OriginalSize+gcmOverhead {
			return fmt.Errorf("%w: file %d (%s) declares %d ciphertext bytes for %d plaintext bytes",
				ErrInvalidMetadata, i, f.Name, f.Size, f.OriginalSize)
		}
		if maxFileSize > 0 && f.Size > maxFileSize {
			return fmt.Errorf("%w: file %d (%s) exceeds the %d byte limit", ErrInvalidMetadata, i, f.Name, maxFileSize)
		}
	}
	return nil
}
