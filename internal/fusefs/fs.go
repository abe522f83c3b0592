//go:build fuse

package fusefs

import (
	"context"
	"fmt"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Node is the single fs.InodeEmbedder the mounted tree is built from:
// one Node instance represents a directory, file, or symlink,
// distinguished only by the metadata.EntryType the last Getattr/
// Lookup observed, since every operation resolves the path fresh
// through the Facade rather than caching type-specific behaviour.
type Node struct {
	fs.Inode
	facade   *Facade
	vpath    string
	uid, gid uint32
}

var _ = (fs.InodeEmbedder)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeReadlinker)((*Node)(nil))

// Lookup implements getattr-by-name for the child "name" of this
// directory, building the child's Inode from a fresh Facade
// resolution.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := path.Join(n.vpath, name)
	stat, err := n.facade.Getattr(ctx, childPath)
	if err != nil {
		if IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}

	statToAttr(stat, n.uid, n.gid, &out.Attr)
	child := &Node{facade: n.facade, vpath: childPath, uid: n.uid, gid: n.gid}
	stable := fs.StableAttr{Mode: toFuseMode(stat.Type, stat.Mode) & syscall.S_IFMT}
	return n.NewInode(ctx, child, stable), fs.OK
}

// Getattr resolves this node's own attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat, err := n.facade.Getattr(ctx, n.vpath)
	if err != nil {
		if IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	statToAttr(stat, n.uid, n.gid, &out.Attr)
	return fs.OK
}

// Readdir lists a directory's children, prepending "." and "..".
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.facade.Readdir(ctx, n.vpath)
	if err != nil {
		if IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(children)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR},
		fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR},
	)
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{
			Name: c.Name,
			Mode: toFuseMode(c.Type, c.Mode),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Open rejects anything but read-only access; the mounted tree is
// read-only from the user's perspective.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EACCES
	}
	return &FileHandle{facade: n.facade, vpath: n.vpath}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// Readlink returns the target of the symlink at this node.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.facade.Readlink(ctx, n.vpath)
	if err != nil {
		if IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}
	return []byte(target), fs.OK
}

// FileHandle serves reads for one opened file; it carries no buffer
// of its own since every read re-acquires a pooled Controller and
// stitches bytes fresh.
type FileHandle struct {
	facade *Facade
	vpath  string
}

var _ = (fs.FileHandle)((*FileHandle)(nil))
var _ = (fs.FileReader)((*FileHandle)(nil))

// Read implements fs.FileReader.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.facade.Read(ctx, fh.vpath, off, len(dest))
	if err != nil {
		if IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), fs.OK
}

// Mount mounts root (representing "/") at mountpoint with the given
// options.
func Mount(facade *Facade, mountpoint string, opts MountOptions) (*fuse.Server, error) {
	root := &Node{facade: facade, vpath: "/", uid: opts.UID, gid: opts.GID}

	attrTimeout := time.Duration(opts.AttrTimeoutSeconds) * time.Second
	entryTimeout := time.Duration(opts.EntryTimeoutSeconds) * time.Second

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther:     opts.AllowOther,
			Debug:          opts.Debug,
			SingleThreaded: !opts.Multithreaded,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount fuse at %s: %w", mountpoint, err)
	}
	return server, nil
}

// MountOptions carries the FUSE host binding tunables.
type MountOptions struct {
	AllowOther          bool
	Debug               bool
	Multithreaded       bool
	AttrTimeoutSeconds  int
	EntryTimeoutSeconds int
	UID                 uint32
	GID                 uint32
}
