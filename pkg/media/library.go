// Package media manages the locally addressable media files owned by scenes.
//
// Every generated clip, narration track and merged asset lives in the library
// directory and is referenced elsewhere only by its handle, a URL of the form
// /media/<file>. Handles are released when their scene is cleared.
package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the path under which library files are served.
const URLPrefix = "/media/"

// ErrUnknownHandle is returned for handles that do not point into the library.
var ErrUnknownHandle = errors.New("unknown media handle")

// Library maps media handles to files in a single directory.
type Library struct {
	dir string
}

// NewLibrary creates the directory if needed.
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Library{dir: abs}, nil
}

// Dir returns the absolute library directory.
func (l *Library) Dir() string {
	return l.dir
}

// NewPath reserves a fresh file name with the given extension (".mp4").
// The file is not created; callers write it and then use the returned handle.
func (l *Library) NewPath(ext string) (path, handle string) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + ext
	return filepath.Join(l.dir, name), URLPrefix + name
}

// Handle returns the handle for a file that already lives in the library.
func (l *Library) Handle(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != l.dir {
		return "", fmt.Errorf("%w: %s is outside the library", ErrUnknownHandle, path)
	}
	return URLPrefix + filepath.Base(abs), nil
}

// Import copies an external file into the library and returns its handle.
func (l *Library) Import(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	dst, handle := l.NewPath(filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create library file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return handle, nil
}

// Resolve maps a handle to the file path it names.
func (l *Library) Resolve(handle string) (string, error) {
	name, ok := strings.CutPrefix(handle, URLPrefix)
	if !ok || name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	return filepath.Join(l.dir, name), nil
}

// Exists reports whether the handle resolves to an existing file.
func (l *Library) Exists(handle string) bool {
	p, err := l.Resolve(handle)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Release deletes the files behind the handles. Unknown or already removed
// handles are ignored.
func (l *Library) Release(handles ...string) {
	for _, h := range handles {
		p, err := l.Resolve(h)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Media: failed to release file", "handle", h, "error", err)
			continue
		}
		slog.Debug("Media: released", "handle", h)
	}
}
