// Package controller implements the sync engine: it stitches together
// the Source, the Target mirror, and the Metadata Store into the
// lazy-registration, stitched-read algorithm the filesystem facade
// drives.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	mlerrors "github.com/gmta/mountload/internal/errors"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/source"
	"github.com/gmta/mountload/internal/target"
)

// Stat is the attribute view getStatForPath returns, sized for a FUSE
// facade to translate directly into its own attr structure.
type Stat struct {
	Size   int64
	Mode   uint32
	Atime  int64
	Mtime  int64
	Nlink  uint32
	Blocks int64
	Type   metadata.EntryType
}

// RemoteSource is the subset of *source.Source the sync engine drives.
// Accepting the interface rather than the concrete type lets tests
// exercise the registration and stitched-read algorithm against a fake
// remote instead of a live SSH/SFTP connection.
type RemoteSource interface {
	GetEntry(relative string) (*source.Entry, error)
	GetDirectoryEntries(relative string) ([]source.Entry, error)
	GetLinkTarget(relative string) (string, error)
	ReadData(relative string, offset int64, buf []byte) (int, error)
	Close() error
}

// Controller owns one Source connection, one metadata connection, and
// a reference to the shared Target mirror, and implements the lazy
// path registration and stitched-read algorithms.
type Controller struct {
	source RemoteSource
	target *target.Target
	store  *metadata.Store
	logger *slog.Logger
}

// New bootstraps a Controller: it verifies or records the source URI
// against the one persisted in the metadata store, then ensures a
// metadata entry for the remote root exists, registering it under one
// metadata transaction if this is a fresh mirror. The Controller takes
// ownership of src and store; Close releases both.
func New(src RemoteSource, sourceURI string, tgt *target.Target, store *metadata.Store, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller")

	known, err := store.GetConfigString("sourceURI")
	if err != nil {
		return nil, fmt.Errorf("read known source URI: %w", err)
	}
	switch {
	case sourceURI == "":
		// Restart without re-specifying: reuse the recorded URI.
		if known == nil {
			return nil, fmt.Errorf("no source URI supplied and none recorded in the metadata store")
		}
	case known == nil:
		if err := store.SetConfig("sourceURI", sourceURI); err != nil {
			return nil, fmt.Errorf("record source URI: %w", err)
		}
	case *known != sourceURI:
		return nil, mlerrors.NewURIMismatch(*known, sourceURI)
	}

	c := &Controller{source: src, target: tgt, store: store, logger: logger}

	// The immediate transaction makes check-then-register atomic
	// across the pool's controllers: whichever bootstraps first
	// registers the root, the rest see it.
	if err := store.WithTransaction(func() error {
		existing, err := c.getPath("/")
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		entry, err := src.GetEntry("/")
		if err != nil {
			return fmt.Errorf("stat remote root: %w", err)
		}
		if entry == nil {
			return mlerrors.NewPathAbsent("/")
		}
		return c.registerPath("/", entry)
	}); err != nil {
		return nil, fmt.Errorf("bootstrap remote root: %w", err)
	}

	return c, nil
}

// Close releases the Controller's source connection and its metadata
// connection. The target mirror is shared across every Controller a
// pool hands out and holds no persistent handle of its own — every
// target operation opens and closes its file per call — so there is
// nothing to release there.
func (c *Controller) Close() error {
	return errors.Join(c.source.Close(), c.store.Close())
}

func splitPath(p string) (dirname, basename string) {
	p = path.Clean("/" + p)
	dirname, basename = path.Split(p)
	if dirname != "/" {
		dirname = strings.TrimSuffix(dirname, "/") + "/"
	}
	return dirname, basename
}

// getPath resolves a path to its metadata entry, lazily registering it
// by asking the source if the parent directory is not yet fully
// synced. Returns (nil, nil) when the path genuinely does not exist.
// Resolution itself takes no transaction — a cache hit is a plain
// read, and no transaction may span the remote stat — only the
// registration step mutates the store, under its own transaction.
func (c *Controller) getPath(p string) (*metadata.PathEntry, error) {
	p = path.Clean("/" + p)
	dirname, basename := splitPath(p)

	entry, err := c.store.GetPath(dirname, basename)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}
	if p == "/" {
		return nil, nil
	}

	parentEntry, err := c.getPath(path.Dir(p))
	if err != nil {
		return nil, err
	}
	if parentEntry == nil {
		return nil, nil
	}
	if parentEntry.IsSynced {
		// Parent claims to know every child; our miss is authoritative.
		return nil, nil
	}

	remoteEntry, err := c.source.GetEntry(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s on source: %w", p, err)
	}
	if remoteEntry == nil {
		return nil, nil
	}
	if err := c.registerPath(p, remoteEntry); err != nil {
		// Another controller may have registered the path between our
		// lookup and our registration; its entry serves just as well.
		if existing, gerr := c.store.GetPath(dirname, basename); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return c.store.GetPath(dirname, basename)
}

// GetEntriesInDirectory lists dirpath's children, downloading the
// remote listing first if this directory has not yet been synced. The
// listing, the registrations, and the synced flag commit as one
// transaction so a failure part-way leaves the directory unsynced
// rather than half-enumerated.
func (c *Controller) GetEntriesInDirectory(dirpath string) ([]*metadata.PathEntry, error) {
	pathInfo, err := c.getPath(dirpath)
	if err != nil {
		return nil, err
	}
	if pathInfo == nil {
		return nil, mlerrors.NewPathAbsent(dirpath)
	}

	listDir := path.Clean("/" + dirpath)
	if listDir != "/" {
		listDir += "/"
	}

	if !pathInfo.IsSynced {
		if err := c.store.WithTransaction(func() error {
			entries, err := c.source.GetDirectoryEntries(listDir)
			if err != nil {
				return fmt.Errorf("list remote directory %s: %w", listDir, err)
			}
			for _, entry := range entries {
				entryDirname, entryBasename := splitPath(listDir + entry.Name)
				existing, err := c.store.GetPath(entryDirname, entryBasename)
				if err != nil {
					return err
				}
				if existing != nil {
					continue
				}
				if err := c.registerPath(listDir+entry.Name, &entry); err != nil {
					return err
				}
			}
			return c.store.SetPathSynced(pathInfo.PathID)
		}); err != nil {
			return nil, err
		}
	}

	return c.store.GetSubPaths(listDir)
}

// GetStatForPath resolves path and composes its stat view. SFTP's
// attribute set reports neither block counts nor link counts, so
// st_blocks is synthesised from the size (4 KiB filesystem blocks
// expressed in 512-byte units) and st_nlink is fixed at 2 for
// directories and 1 for files.
func (c *Controller) GetStatForPath(p string) (*Stat, error) {
	entry, err := c.getPath(p)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, mlerrors.NewPathAbsent(p)
	}

	blocks := (entry.Size + 4095) / 4096 * 8
	nlink := uint32(1)
	if entry.Type == metadata.TypeDirectory {
		nlink = 2
	}
	return &Stat{
		Size:   entry.Size,
		Mode:   entry.Mode,
		Atime:  entry.Atime,
		Mtime:  entry.Mtime,
		Nlink:  nlink,
		Blocks: blocks,
		Type:   entry.Type,
	}, nil
}

// GetSymlinkTarget returns the target of a synced symlink.
func (c *Controller) GetSymlinkTarget(p string) (string, error) {
	entry, err := c.getPath(p)
	if err != nil {
		return "", err
	}
	if entry == nil || entry.Type != metadata.TypeSymlink || !entry.IsSynced {
		return "", mlerrors.NewPathAbsent(p)
	}
	return c.target.GetSymlink(p)
}

// ReadData returns exactly the requested number of bytes (clamped to
// the file's recorded size), stitching together already-synced local
// data and freshly downloaded remote data as needed. read(2) permits
// short returns, but many callers assume exact ones, so the full
// window is always filled in a single call.
func (c *Controller) ReadData(p string, offset int64, size int) ([]byte, error) {
	entry, err := c.getPath(p)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Type != metadata.TypeFile {
		return nil, mlerrors.NewPathAbsent(p)
	}

	if offset+int64(size) > entry.Size {
		size = int(maxInt64(0, entry.Size-offset))
	}
	if size == 0 {
		return nil, nil
	}

	if entry.IsSynced {
		buf := make([]byte, size)
		n, err := c.target.ReadData(p, offset, buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	return c.stitchRead(entry, p, offset, size)
}

func (c *Controller) stitchRead(entry *metadata.PathEntry, p string, offset int64, size int) ([]byte, error) {
	segments, err := c.store.GetRemoteSegmentsRange(entry.PathID, offset, offset+int64(size)-1)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	segmentIdx := 0
	var currentPos int64
	sizeInt64 := int64(size)

	for currentPos < sizeInt64 {
		var segBegin, segEnd int64
		if segmentIdx >= len(segments) {
			segBegin, segEnd = sizeInt64, sizeInt64-1
		} else {
			seg := segments[segmentIdx]
			segBegin = seg.Begin - offset
			segEnd = seg.End - offset
		}

		if currentPos < segBegin {
			localLen := segBegin - currentPos
			buf := make([]byte, localLen)
			n, err := c.target.ReadData(p, offset+currentPos, buf)
			if err != nil {
				return nil, err
			}
			out = append(out, buf[:n]...)
			currentPos = segBegin
		}

		remoteLen := minInt64(sizeInt64-currentPos, segEnd-segBegin+1)
		if remoteLen > 0 {
			chunk, err := c.downloadFileData(entry, offset+currentPos, int(remoteLen))
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
			currentPos += remoteLen
			segmentIdx++
		}
	}

	return out, nil
}

// downloadFileData reads one chunk from the source, writes it into
// the target mirror, and removes the now-downloaded remote segment,
// marking the file synced if that was its last pending segment. The
// segment removal and the synced check share one metadata transaction
// so a parallel reader cannot insert a split segment between them.
func (c *Controller) downloadFileData(entry *metadata.PathEntry, offset int64, size int) ([]byte, error) {
	relPath := entry.Dirname + entry.Basename

	buf := make([]byte, size)
	n, err := c.source.ReadData(relPath, offset, buf)
	if err != nil {
		return nil, fmt.Errorf("download %s at offset %d: %w", relPath, offset, err)
	}
	buf = buf[:n]

	if err := c.target.WriteData(relPath, offset, buf); err != nil {
		return nil, err
	}

	if err := c.store.WithTransaction(func() error {
		if err := c.store.RemoveRemoteSegments(entry.PathID, offset, offset+int64(len(buf))-1); err != nil {
			return err
		}
		remaining, err := c.store.GetRemoteSegments(entry.PathID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return c.store.SetPathSynced(entry.PathID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return buf, nil
}

// registerPath dispatches on the remote entry's type. Multi-statement
// registrations wrap their own transaction; callers that need a wider
// atomicity boundary (directory sync, the root bootstrap) nest it
// inside theirs.
func (c *Controller) registerPath(p string, entry *source.Entry) error {
	switch entry.Type {
	case metadata.TypeDirectory:
		return c.registerDirectory(p, entry)
	case metadata.TypeFile:
		return c.registerFile(p, entry)
	case metadata.TypeSymlink:
		return c.registerSymlink(p, entry)
	default:
		return mlerrors.NewUnsupportedEntryType(p, entry.Mode)
	}
}

func (c *Controller) registerDirectory(p string, entry *source.Entry) error {
	dirname, basename := splitPath(p)
	if _, err := c.store.AddPath(dirname, basename, metadata.TypeDirectory, entry.Size, entry.Mode, entry.Atime, entry.Mtime, false); err != nil {
		return err
	}
	return c.target.CreateDirectory(p, entry.Mode|ownerRWX)
}

func (c *Controller) registerFile(p string, entry *source.Entry) error {
	dirname, basename := splitPath(p)
	isSynced := entry.Size == 0

	if err := c.store.WithTransaction(func() error {
		pathID, err := c.store.AddPath(dirname, basename, metadata.TypeFile, entry.Size, entry.Mode, entry.Atime, entry.Mtime, isSynced)
		if err != nil {
			return err
		}
		if !isSynced {
			return c.store.AddRemoteSegment(pathID, 0, entry.Size-1)
		}
		return nil
	}); err != nil {
		return err
	}
	return c.target.CreateFile(p, entry.Mode|ownerRW)
}

func (c *Controller) registerSymlink(p string, entry *source.Entry) error {
	// Read the link target before touching the store.
	linkTarget, err := c.source.GetLinkTarget(p)
	if err != nil {
		return fmt.Errorf("read remote symlink target for %s: %w", p, err)
	}
	if err := c.target.CreateSymlink(p, linkTarget); err != nil {
		return err
	}

	dirname, basename := splitPath(p)
	_, err = c.store.AddPath(dirname, basename, metadata.TypeSymlink, entry.Size, entry.Mode, entry.Atime, entry.Mtime, true)
	return err
}

const (
	ownerRWX = uint32(os.FileMode(0o700))
	ownerRW  = uint32(os.FileMode(0o600))
)

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
