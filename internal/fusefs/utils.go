//go:build fuse

package fusefs

import (
	"github.com/gmta/mountload/internal/controller"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// toFuseMode combines an entry's type with its stored permission bits
// into the S_IFMT|perm value go-fuse's Attr.Mode expects.
func toFuseMode(typ metadata.EntryType, perm uint32) uint32 {
	mode := perm & 0o7777
	switch typ {
	case metadata.TypeDirectory:
		mode |= fuse.S_IFDIR
	case metadata.TypeSymlink:
		mode |= fuse.S_IFLNK
	default:
		mode |= fuse.S_IFREG
	}
	return mode
}

// statToAttr fills out from a Facade Getattr result.
func statToAttr(stat *controller.Stat, uid, gid uint32, out *fuse.Attr) {
	out.Mode = toFuseMode(stat.Type, stat.Mode)
	out.Size = uint64(stat.Size)
	out.Atime = uint64(stat.Atime)
	out.Mtime = uint64(stat.Mtime)
	out.Ctime = uint64(stat.Mtime)
	out.Nlink = stat.Nlink
	out.Blocks = uint64(stat.Blocks)
	out.Uid = uid
	out.Gid = gid
}
