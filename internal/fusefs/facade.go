// Package fusefs implements the filesystem facade over the controller
// pool: the small set of operations a userspace filesystem host
// requires, translated into pool-acquired Controller calls. The
// go-fuse wiring (fs.go/service.go, //go:build fuse) sits on top of
// Facade, which carries no go-fuse dependency so it can be exercised
// in tests without a FUSE kernel module.
package fusefs

import (
	"context"
	"log/slog"

	"github.com/gmta/mountload/internal/controller"
	mlerrors "github.com/gmta/mountload/internal/errors"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/pool"
	"github.com/gmta/mountload/internal/slogutil"
)

// DirEntry is one child returned by Readdir, carrying just enough of
// metadata.PathEntry for a directory listing.
type DirEntry struct {
	Name string
	Type metadata.EntryType
	Mode uint32
}

// Facade acquires a Controller from the pool for the duration of each
// operation and carries no state across calls. Each operation tags its
// context with the operation name and path (slogutil.WithAttrs), so
// every log line emitted while serving it identifies the request.
type Facade struct {
	pool   *pool.Pool
	logger *slog.Logger
}

// New wraps a controller Pool in a Facade.
func New(p *pool.Pool, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{pool: p, logger: logger.With("component", "fusefs")}
}

// Getattr resolves path's attributes. A PathAbsentError is returned
// unwrapped so callers can map it to ENOENT with mlerrors.IsPathAbsent.
func (f *Facade) Getattr(ctx context.Context, path string) (*controller.Stat, error) {
	ctx = slogutil.WithAttrs(ctx, slog.String("fs_op", "getattr"), slog.String("path", path))
	c, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(c)

	stat, err := c.GetStatForPath(path)
	if err != nil {
		f.logOpError(ctx, err)
		return nil, err
	}
	return stat, nil
}

// Readdir lists dirpath's children (not including "." or ".."; the
// host-binding layer prepends those).
func (f *Facade) Readdir(ctx context.Context, dirpath string) ([]DirEntry, error) {
	ctx = slogutil.WithAttrs(ctx, slog.String("fs_op", "readdir"), slog.String("path", dirpath))
	c, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(c)

	entries, err := c.GetEntriesInDirectory(dirpath)
	if err != nil {
		f.logOpError(ctx, err)
		return nil, err
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Basename, Type: e.Type, Mode: e.Mode})
	}
	return out, nil
}

// Read returns exactly min(size, remaining file bytes) bytes at
// offset, stitching local and remote data as needed.
func (f *Facade) Read(ctx context.Context, path string, offset int64, size int) ([]byte, error) {
	ctx = slogutil.WithAttrs(ctx,
		slog.String("fs_op", "read"), slog.String("path", path), slog.Int64("offset", offset))
	c, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(c)

	data, err := c.ReadData(path, offset, size)
	if err != nil {
		f.logOpError(ctx, err)
		return nil, err
	}
	return data, nil
}

// Readlink returns the target of the symlink at path.
func (f *Facade) Readlink(ctx context.Context, path string) (string, error) {
	ctx = slogutil.WithAttrs(ctx, slog.String("fs_op", "readlink"), slog.String("path", path))
	c, err := f.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer f.pool.Release(c)

	target, err := c.GetSymlinkTarget(path)
	if err != nil {
		f.logOpError(ctx, err)
		return "", err
	}
	return target, nil
}

// Destroy releases every pooled Controller, blocking until all are
// returned.
func (f *Facade) Destroy() error {
	return f.pool.Close()
}

// logOpError reports operation failures other than plain path absence,
// which is ordinary traffic (every negative lookup produces one).
func (f *Facade) logOpError(ctx context.Context, err error) {
	if mlerrors.IsPathAbsent(err) {
		return
	}
	f.logger.ErrorContext(ctx, "filesystem operation failed", "err", err)
}

// IsNotExist reports whether err represents path absence, the only
// error kind the host binding maps to ENOENT rather than EIO.
func IsNotExist(err error) bool {
	return mlerrors.IsPathAbsent(err)
}
