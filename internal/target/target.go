// Package target implements the local mirror directory: the
// materialised tree under a user-chosen root, a hidden .mountload
// metadata subdirectory owning the database file, and a redirection
// subdirectory shadowing any user path that would collide with the
// metadata directory.
package target

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	metaDirName     = ".mountload"
	redirectDirName = "redirect"
	dbFileName      = "metadata.sqlite"
)

// Target owns the mirror's on-disk layout. Mirrored content goes
// through the injected afero.Fs (afero.NewOsFs in production,
// afero.NewMemMapFs in tests); the metadata directory additionally
// always exists on the real filesystem because the SQLite driver opens
// a real file regardless of which afero.Fs the mirrored tree uses.
type Target struct {
	fs           afero.Fs
	root         string
	metaDir      string
	redirectRoot string
}

// New opens (creating if absent) the mirror rooted at root, along with
// its metadata and redirection subdirectories.
func New(fs afero.Fs, root string) (*Target, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve target root %s: %w", root, err)
	}

	t := &Target{
		fs:           fs,
		root:         abs,
		metaDir:      filepath.Join(abs, metaDirName),
		redirectRoot: filepath.Join(abs, metaDirName, redirectDirName),
	}

	if err := fs.MkdirAll(t.redirectRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create redirection directory %s: %w", t.redirectRoot, err)
	}
	// The database file is opened by the SQLite driver directly, so its
	// directory must exist on the real filesystem even when the
	// mirrored tree is backed by an in-memory afero.Fs.
	if err := os.MkdirAll(t.metaDir, 0o700); err != nil {
		return nil, fmt.Errorf("create metadata directory %s: %w", t.metaDir, err)
	}

	return t, nil
}

// DBPath returns the metadata database file's location inside the
// hidden metadata subdirectory.
func (t *Target) DBPath() string {
	return filepath.Join(t.metaDir, dbFileName)
}

// normalize maps a user-visible path onto its physical location. A
// path that equals or sits under the metadata directory is rewritten
// into the redirection subdirectory, transparently to callers.
func (t *Target) normalize(p string) string {
	p = path.Clean("/" + p)
	if p == "/"+metaDirName || strings.HasPrefix(p, "/"+metaDirName+"/") {
		return filepath.Join(t.redirectRoot, p)
	}
	return filepath.Join(t.root, p)
}

// CreateDirectory ensures a directory exists at path with the given
// mode: chmod if it already exists, mkdir otherwise.
func (t *Target) CreateDirectory(p string, mode uint32) error {
	dirPath := t.normalize(p)
	if info, err := t.fs.Stat(dirPath); err == nil && info.IsDir() {
		if err := t.fs.Chmod(dirPath, os.FileMode(mode)); err != nil {
			return fmt.Errorf("chmod directory %s: %w", p, err)
		}
		return nil
	}
	if err := t.fs.Mkdir(dirPath, os.FileMode(mode)); err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

// CreateFile creates an empty file at path and applies mode.
func (t *Target) CreateFile(p string, mode uint32) error {
	filePath := t.normalize(p)
	f, err := t.fs.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return fmt.Errorf("create file %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close created file %s: %w", p, err)
	}
	if err := t.fs.Chmod(filePath, os.FileMode(mode)); err != nil {
		return fmt.Errorf("chmod file %s: %w", p, err)
	}
	return nil
}

// CreateSymlink materialises a symlink at path pointing at linkTarget.
// afero.MemMapFs has no symlink support of its own, so a non-Linker
// Fs falls back to the real filesystem.
func (t *Target) CreateSymlink(p, linkTarget string) error {
	linkPath := t.normalize(p)
	if linker, ok := t.fs.(afero.Linker); ok {
		if err := linker.SymlinkIfPossible(linkTarget, linkPath); err != nil {
			return fmt.Errorf("create symlink %s: %w", p, err)
		}
		return nil
	}
	if err := os.Symlink(linkTarget, linkPath); err != nil {
		return fmt.Errorf("create symlink %s: %w", p, err)
	}
	return nil
}

// GetSymlink reads back the target stored for the symlink at path.
func (t *Target) GetSymlink(p string) (string, error) {
	linkPath := t.normalize(p)
	if reader, ok := t.fs.(afero.LinkReader); ok {
		linkTarget, err := reader.ReadlinkIfPossible(linkPath)
		if err != nil {
			return "", fmt.Errorf("read symlink %s: %w", p, err)
		}
		return linkTarget, nil
	}
	linkTarget, err := os.Readlink(linkPath)
	if err != nil {
		return "", fmt.Errorf("read symlink %s: %w", p, err)
	}
	return linkTarget, nil
}

// ReadData reads up to len(buf) bytes from path at offset, returning
// exactly len(buf) bytes whenever that many are available.
func (t *Target) ReadData(p string, offset int64, buf []byte) (int, error) {
	f, err := t.fs.Open(t.normalize(p))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read %s at offset %d: %w", p, offset, err)
	}
	return n, nil
}

// WriteData writes data into path at offset with pwrite semantics: the
// file is never truncated, and writes past the current end extend it.
func (t *Target) WriteData(p string, offset int64, data []byte) error {
	f, err := t.fs.OpenFile(t.normalize(p), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", p, err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("write %s at offset %d: %w", p, offset, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s after writing: %w", p, err)
	}
	return nil
}
