package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/kingrea/SmartAudit/internal/audit"
)

// SourceExt is the only artifact type the pipeline accepts.
const SourceExt = ".sol"

// Artifact is one user-provided source file.
type Artifact interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// File is an artifact backed by a path on disk.
type File struct {
	path string
	size int64
}

// FileArtifact stats path and wraps it as an artifact.
func FileArtifact(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("upload: %s does not exist", path)
		}
		return nil, fmt.Errorf("upload: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload: expected a file, %s is a directory", path)
	}
	return &File{path: path, size: info.Size()}, nil
}

func (f *File) Name() string { return filepath.Base(f.path) }

func (f *File) Size() int64 { return f.size }

func (f *File) Open() (io.ReadCloser, error) { return os.Open(f.path) }

// Bytes is an in-memory artifact.
type Bytes struct {
	name string
	data []byte
}

// BytesArtifact wraps data under name.
func BytesArtifact(name string, data []byte) *Bytes {
	return &Bytes{name: name, data: data}
}

func (b *Bytes) Name() string { return b.name }

func (b *Bytes) Size() int64 { return int64(len(b.data)) }

func (b *Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// CheckName rejects anything that is not a Solidity source.
func CheckName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("upload: artifact has no name: %w", audit.ErrUnsupportedArtifact)
	}
	if !strings.EqualFold(filepath.Ext(name), SourceExt) {
		return fmt.Errorf("upload: %s: %w", name, audit.ErrUnsupportedArtifact)
	}
	return nil
}

// Decode reads the artifact as text. UTF-8 is expected; a UTF-8 or UTF-16
// byte order mark is honoured and stripped. Anything that is not text comes
// back as *audit.DecodeError.
func Decode(a Artifact) (string, error) {
	rc, err := a.Open()
	if err != nil {
		return "", &audit.DecodeError{Name: a.Name(), Err: err}
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", &audit.DecodeError{Name: a.Name(), Err: err}
	}
	return DecodeBytes(a.Name(), raw)
}

// DecodeBytes is Decode for data already in memory.
func DecodeBytes(name string, raw []byte) (string, error) {
	decoded, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), raw)
	if err != nil {
		return "", &audit.DecodeError{Name: name, Err: err}
	}
	if !utf8.Valid(decoded) {
		return "", &audit.DecodeError{Name: name, Err: errors.New("content is not valid UTF-8")}
	}
	if bytes.IndexByte(decoded, 0) >= 0 {
		return "", &audit.DecodeError{Name: name, Err: errors.New("content looks binary")}
	}
	return string(decoded), nil
}
