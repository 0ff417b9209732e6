// Package resource resolves request targets against a document root.
package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrNotFound reports a target with no resource behind it.
	ErrNotFound = errors.New("resource: not found")
	// ErrForbidden reports a resource the server may not read.
	ErrForbidden = errors.New("resource: forbidden")
)

// DefaultContentType is used when neither the extension nor the content identify the type.
const DefaultContentType = "application/octet-stream"

// Meta describes a resolved resource.
type Meta struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Handle is an open resource body.
type Handle interface {
	io.ReaderAt
	io.Closer
}

// Resolver maps request targets onto resources.
type Resolver interface {
	// Lookup resolves target, returning ErrNotFound or ErrForbidden on failure.
	Lookup(target string) (Meta, error)
	// Open opens a resolved resource for reading.
	Open(meta Meta) (Handle, error)
	// ContentType returns the MIME type of a resolved resource.
	ContentType(meta Meta) string
}

// Dir serves files below Root. Directory targets are retried against Index.
type Dir struct {
	Root  string
	Index string
}

// NewDir returns a resolver rooted at root.
func NewDir(root, index string) *Dir {
	if index == "" {
		index = "index.html"
	}
	return &Dir{Root: root, Index: index}
}

// Lookup implements Resolver.
func (d *Dir) Lookup(target string) (Meta, error) {
	p := d.join(target)
	fi, err := os.Stat(p)
	if err != nil {
		return Meta{}, statErr(err)
	}
	if fi.IsDir() {
		p = filepath.Join(p, d.Index)
		if fi, err = os.Stat(p); err != nil {
			return Meta{}, statErr(err)
		}
		if fi.IsDir() {
			return Meta{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
		}
	}
	return Meta{Path: p, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Open implements Resolver.
func (d *Dir) Open(meta Meta) (Handle, error) {
	f, err := os.Open(meta.Path)
	if err != nil {
		return nil, mapErr(err)
	}
	return f, nil
}

// ContentType implements Resolver. The extension decides first; unknown extensions
// fall back to sniffing the file content.
func (d *Dir) ContentType(meta Meta) string {
	if ct := mime.TypeByExtension(filepath.Ext(meta.Path)); ct != "" {
		return ct
	}
	if m, err := mimetype.DetectFile(meta.Path); err == nil && m.String() != "" {
		return m.String()
	}
	return DefaultContentType
}

// join confines target below Root. Query strings are dropped and ".." segments
// are resolved before joining, so the result never escapes the root.
func (d *Dir) join(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	clean := path.Clean("/" + target)
	return filepath.Join(d.Root, filepath.FromSlash(clean))
}

// statErr treats every stat failure other than a permission error as absence.
func statErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	default:
		return err
	}
}
