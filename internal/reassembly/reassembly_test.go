package reassembly

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
)

func seal(t *testing.T, k *keys.Key, name string, plaintext []byte) (protocol.FileDescriptor, keys.Sealed) {
	t.Helper()
	sealed, err := keys.Encrypt(plaintext, k)
	require.NoError(t, err)
	return protocol.FileDescriptor{
		Name:         name,
		Size:         int64(len(sealed.Ciphertext)),
		OriginalSize: int64(len(plaintext)),
		Type:         "application/octet-stream",
	}, sealed
}

func newKey(t *testing.T) *keys.Key {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)
	return k
}

func TestReassembleAcrossChunks(t *testing.T) {
	k := newKey(t)
	plaintext := bytes.Repeat([]byte("0123456789"), 100_000)
	desc, sealed := seal(t, k, "big.bin", plaintext)

	r := New(k, []protocol.FileDescriptor{desc})

	idx, awaitingIV := r.Current()
	assert.Equal(t, 0, idx)
	assert.True(t, awaitingIV)

	done, err := r.Feed(sealed.IV)
	require.NoError(t, err)
	assert.False(t, done)

	chunks := protocol.Split(sealed.Ciphertext, protocol.ChunkSize)
	for i, c := range chunks {
		done, err = r.Feed(c)
		require.NoError(t, err)
		assert.Equal(t, i == len(chunks)-1, done)
	}

	require.True(t, r.Complete())
	files := r.Files()
	require.Len(t, files, 1)
	assert.Equal(t, plaintext, files[0].Data)

	_, total := r.Progress()
	assert.Equal(t, desc.Size, total)
}

func TestDeclaredEmptyFileCompletesOnIV(t *testing.T) {
	k := newKey(t)
	r := New(k, []protocol.FileDescriptor{{Name: "empty.txt"}})

	done, err := r.Feed(make([]byte, keys.IVSize))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, r.Complete())
	assert.Equal(t, []byte{}, r.Files()[0].Data)
}

func TestSealedEmptyFile(t *testing.T) {
	k := newKey(t)
	desc, sealed := seal(t, k, "empty.txt", nil)
	r := New(k, []protocol.FileDescriptor{desc})

	_, err := r.Feed(sealed.IV)
	require.NoError(t, err)
	done, err := r.Feed(sealed.Ciphertext)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, r.Files()[0].Data)
}

func TestOverflowIsSizeMismatch(t *testing.T) {
	k := newKey(t)
	desc, sealed := seal(t, k, "a", []byte("hello"))
	r := New(k, []protocol.FileDescriptor{desc})

	_, err := r.Feed(sealed.IV)
	require.NoError(t, err)
	_, err = r.Feed(append(sealed.Ciphertext, 0))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestWrongIVLength(t *testing.T) {
	k := newKey(t)
	r := New(k, []protocol.FileDescriptor{{Name: "a", Size: 21, OriginalSize: 5}})
	_, err := r.Feed(make([]byte, 8))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestCorruptChunkFailsDecryption(t *testing.T) {
	k := newKey(t)
	desc, sealed := seal(t, k, "a", []byte("hello world"))
	sealed.Ciphertext[3] ^= 0x01

	r := New(k, []protocol.FileDescriptor{desc})
	_, err := r.Feed(sealed.IV)
	require.NoError(t, err)
	_, err = r.Feed(sealed.Ciphertext)
	assert.ErrorIs(t, err, keys.ErrDecryptionFailed)
	assert.False(t, r.Complete())
}

func TestFrameAfterLastFile(t *testing.T) {
	k := newKey(t)
	r := New(k, []protocol.FileDescriptor{{Name: "empty"}})
	_, err := r.Feed(make([]byte, keys.IVSize))
	require.NoError(t, err)

	_, err = r.Feed([]byte{1})
	assert.ErrorIs(t, err, ErrUnexpectedFrame)
}

func TestPackageSingleSmallFile(t *testing.T) {
	a, err := Package([]File{{Name: "notes.txt", ContentType: "text/plain", Data: []byte("0123456789")}},
		DefaultArchiveThreshold, time.Now())
	require.NoError(t, err)
	assert.False(t, a.Archived)
	assert.Equal(t, "notes.txt", a.Name)
	assert.Equal(t, "text/plain", a.ContentType)
	assert.Equal(t, []byte("0123456789"), a.Data)
}

func TestPackageLargeSingleFileIsArchived(t *testing.T) {
	a, err := Package([]File{{Name: "big.bin", Data: make([]byte, 11)}}, 10, time.Now())
	require.NoError(t, err)
	assert.True(t, a.Archived)
	assert.Equal(t, 1, a.Files)
}

func TestPackageBatchArchive(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC)
	files := []File{
		{Name: "empty.txt", Data: []byte{}},
		{Name: "../../etc/passwd", Data: []byte("x")},
		{Name: "dup.txt", Data: []byte("first")},
		{Name: "dup.txt", Data: []byte("second")},
	}

	a, err := Package(files, DefaultArchiveThreshold, now)
	require.NoError(t, err)
	assert.True(t, a.Archived)
	assert.Equal(t, "received_files_2024-05-06T07-08-09-123Z.zip", a.Name)
	assert.Equal(t, "application/zip", a.ContentType)

	got := readZip(t, a.Data)
	assert.Equal(t, map[string][]byte{
		"empty.txt":   {},
		"passwd":      []byte("x"),
		"dup.txt":     []byte("first"),
		"dup (1).txt": []byte("second"),
	}, got)
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":      "report.pdf",
		"a/b/c.txt":       "c.txt",
		`C:\Users\x\y.md`: "y.md",
		"..":              "file",
		"":                "file",
		"we?ird*.txt":     "we_ird_.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = b
	}
	return out
}
