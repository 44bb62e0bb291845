package reassembly

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// DefaultArchiveThreshold is the largest single file handed off without
// being packaged into an archive.
const DefaultArchiveThreshold = 10 << 20

const archiveContentType = "application/zip"

// Artifact is the one output of a transfer: either the single received file
// as is, or an archive of the whole batch.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	Archived    bool
	Files       int
}

// Package builds the artifact for a batch. A batch of exactly one file whose
// plaintext is at most threshold bytes is handed off directly; anything else
// is packaged into a zip named after now.
func Package(files []File, threshold int64, now time.Time) (Artifact, error) {
	if len(files) == 0 {
		return Artifact{}, errors.New("no files to package")
	}
	if threshold <= 0 {
		threshold = DefaultArchiveThreshold
	}

	if len(files) == 1 && int64(len(files[0].Data)) <= threshold {
		f := files[0]
		return Artifact{
			Name:        SanitizeName(f.Name),
			ContentType: f.ContentType,
			Data:        f.Data,
			Files:       1,
		}, nil
	}

	data, err := archive(files, now)
	if err != nil {
		return Artifact{}, fmt.Errorf("build archive: %w", err)
	}
	return Artifact{
		Name:        ArchiveName(now),
		ContentType: archiveContentType,
		Data:        data,
		Archived:    true,
		Files:       len(files),
	}, nil
}

func archive(files []File, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	seen := make(map[string]int, len(files))
	for _, f := range files {
		hdr := &zip.FileHeader{
			Name:     uniqueName(SanitizeName(f.Name), seen),
			Method:   zip.Deflate,
			Modified: now,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ArchiveName is received_files_<UTC ISO timestamp>.zip with ':' and '.'
// replaced by '-'.
func ArchiveName(now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "received_files_" + ts + ".zip"
}

// SanitizeName reduces a peer-supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "/" || name == "." || name == ".." {
		return "file"
	}
	return name
}

func uniqueName(name string, seen map[string]int) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if seen[candidate] == 0 {
			seen[candidate] = 1
			return candidate
		}
		n++
	}
}
