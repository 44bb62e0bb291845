// Package reassembly rebuilds a batch of files from the binary frames of one
// transfer: an IV frame, then ciphertext chunks up to the declared length, for
// each file in declaration order.
package reassembly

import (
	"errors"
	"fmt"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
	"github.com/1ureka/p2pshare/internal/util"
)

var (
	// ErrSizeMismatch is returned when the bytes received for a file overrun
	// its declared ciphertext length, or when an IV frame or a decrypted
	// plaintext does not have the expected length.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrUnexpectedFrame is returned for a binary frame that arrives after
	// every declared file is complete.
	ErrUnexpectedFrame = errors.New("unexpected frame after last file")
)

// File is one decrypted file of the batch.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Reassembler is owned by a single receiving session and needs no locking.
type Reassembler struct {
	key   *keys.Key
	files []protocol.FileDescriptor

	current int    // index of the file being received
	iv      []byte // nil while waiting for the current file's IV
	buf     []byte // preallocated to the declared ciphertext length
	filled  int64

	received int64 // ciphertext bytes over the whole batch
	done     []File
}

// New returns a reassembler for the given validated descriptors.
func New(key *keys.Key, files []protocol.FileDescriptor) *Reassembler {
	return &Reassembler{
		key:   key,
		files: files,
		done:  make([]File, 0, len(files)),
	}
}

// Feed consumes one binary frame. The first frame for each file is its IV;
// the following frames are chunks. It reports whether the frame completed a
// file. Any error is terminal for the batch.
func (r *Reassembler) Feed(frame []byte) (fileDone bool, err error) {
	if r.Complete() {
		return false, ErrUnexpectedFrame
	}
	if r.iv == nil {
		return r.begin(frame)
	}
	return r.write(frame)
}

func (r *Reassembler) begin(iv []byte) (bool, error) {
	desc := r.files[r.current]
	if len(iv) != keys.IVSize {
		return false, fmt.Errorf("%w: iv for %s is %d bytes, want %d", ErrSizeMismatch, desc.Name, len(iv), keys.IVSize)
	}
	r.iv = append([]byte(nil), iv...)

	// A file declared empty has no chunks; its IV alone completes it.
	if desc.Size == 0 {
		util.LogDebug("[reassembly] file %d (%s) is empty", r.current, desc.Name)
		r.finish([]byte{})
		return true, nil
	}

	r.buf = make([]byte, desc.Size)
	r.filled = 0
	return false, nil
}

func (r *Reassembler) write(chunk []byte) (bool, error) {
	desc := r.files[r.current]
	if r.filled+int64(len(chunk)) > desc.Size {
		return false, fmt.Errorf("%w: %s received %d bytes, declared %d",
			ErrSizeMismatch, desc.Name, r.filled+int64(len(chunk)), desc.Size)
	}

	copy(r.buf[r.filled:], chunk)
	r.filled += int64(len(chunk))
	r.received += int64(len(chunk))

	if r.filled < desc.Size {
		return false, nil
	}

	plaintext, err := keys.Decrypt(r.buf, r.key, r.iv)
	if err != nil {
		return false, fmt.Errorf("%s: %w", desc.Name, err)
	}
	if int64(len(plaintext)) != desc.OriginalSize {
		return false, fmt.Errorf("%w: %s decrypted to %d bytes, declared %d",
			ErrSizeMismatch, desc.Name, len(plaintext), desc.OriginalSize)
	}

	r.finish(plaintext)
	return true, nil
}

func (r *Reassembler) finish(plaintext []byte) {
	desc := r.files[r.current]
	r.done = append(r.done, File{Name: desc.Name, ContentType: desc.Type, Data: plaintext})
	util.LogDebug("[reassembly] file %d/%d (%s) complete, %d bytes", r.current+1, len(r.files), desc.Name, len(plaintext))

	r.current++
	r.iv = nil
	r.buf = nil
	r.filled = 0
}

// Current returns the index of the file in progress and whether its IV is
// still expected. After the last file Current returns len(files).
func (r *Reassembler) Current() (index int, awaitingIV bool) {
	return r.current, r.iv == nil
}

// Progress returns the ciphertext bytes received for the current file and
// over the whole batch.
func (r *Reassembler) Progress() (file, total int64) {
	return r.filled, r.received
}

// Complete reports whether every declared file has been received and decrypted.
func (r *Reassembler) Complete() bool {
	return r.current >= len(r.files)
}

// Files returns the decrypted files received so far, in declaration order.
func (r *Reassembler) Files() []File {
	return r.done
}
