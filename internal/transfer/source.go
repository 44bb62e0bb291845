package transfer

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/protocol"
)

// Source is one file offered by the sender. Load is called once, when the
// file's turn comes, so only one plaintext is held in memory at a time.
type Source struct {
	Name        string
	ContentType string
	Size        int64
	Load        func() ([]byte, error)
}

// BytesSource wraps an in-memory file.
func BytesSource(name, contentType string, data []byte) Source {
	return Source{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Load:        func() ([]byte, error) { return data, nil },
	}
}

// FileSource describes a regular file on disk.
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if !info.Mode().IsRegular() {
		return Source{}, fmt.Errorf("%s is not a regular file", path)
	}

	return Source{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Size:        info.Size(),
		Load:        func() ([]byte, error) { return os.ReadFile(path) },
	}, nil
}

// describe turns the sources into the descriptors announced in "meta".
func describe(sources []Source) []protocol.FileDescriptor {
	files := make([]protocol.FileDescriptor, len(sources))
	for i, src := range sources {
		files[i] = protocol.FileDescriptor{
			Name:         src.Name,
			Size:         keys.CiphertextSize(src.Size),
			OriginalSize: src.Size,
			Type:         src.ContentType,
		}
	}
	return files
}
