package controller

import (
	"path"
	"testing"

	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/source"
	"github.com/gmta/mountload/internal/target"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory stand-in for *source.Source, keyed by
// absolute remote path, used to drive the controller's registration
// and stitched-read algorithm without a live SSH connection.
type fakeSource struct {
	entries map[string]source.Entry
	dirs    map[string][]source.Entry
	data    map[string][]byte
	links   map[string]string
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		entries: map[string]source.Entry{},
		dirs:    map[string][]source.Entry{},
		data:    map[string][]byte{},
		links:   map[string]string{},
	}
}

func (f *fakeSource) GetEntry(relative string) (*source.Entry, error) {
	e, ok := f.entries[relative]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeSource) GetDirectoryEntries(relative string) ([]source.Entry, error) {
	return f.dirs[relative], nil
}

func (f *fakeSource) GetLinkTarget(relative string) (string, error) {
	return f.links[relative], nil
}

func (f *fakeSource) ReadData(relative string, offset int64, buf []byte) (int, error) {
	content := f.data[relative]
	if offset >= int64(len(content)) {
		return 0, nil
	}
	n := copy(buf, content[offset:])
	return n, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func newTestController(t *testing.T, fs *fakeSource) *Controller {
	t.Helper()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)

	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}

	ctrl, err := New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)
	return ctrl
}

func TestNew_RegistersRemoteRoot(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	stat, err := ctrl.GetStatForPath("/")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stat.Nlink)
}

func TestNew_URIMismatchIsRejectedOnReopen(t *testing.T) {
	fs := newFakeSource()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)
	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}
	_, err = New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)

	// A reopen gets its own connection to the same database, the way
	// every pooled controller does.
	store2, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	_, err = New(fs, "sftp://user@otherhost/remote", tgt, store2, nil)
	assert.Error(t, err)
}

func TestNew_EmptyURIReusesRecordedOne(t *testing.T) {
	fs := newFakeSource()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)
	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}
	_, err = New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)

	// A restart without re-specifying the URI keeps working against
	// the recorded one.
	store2, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	_, err = New(fs, "", tgt, store2, nil)
	assert.NoError(t, err)

	// But an empty URI against an uninitialised store has nothing to
	// fall back to.
	tgt2, err := target.New(afero.NewMemMapFs(), t.TempDir())
	require.NoError(t, err)
	store3, err := metadata.Open(tgt2.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store3.Close() })
	_, err = New(fs, "", tgt2, store3, nil)
	assert.Error(t, err)
}

func TestGetEntriesInDirectory_LazilyRegistersChildren(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	fs.dirs["/"] = []source.Entry{
		{Name: "a.txt", Type: metadata.TypeFile, Size: 5, Mode: 0o644},
		{Name: "sub", Type: metadata.TypeDirectory, Mode: 0o755},
	}
	fs.data["/a.txt"] = []byte("hello")

	children, err := ctrl.GetEntriesInDirectory("/")
	require.NoError(t, err)
	require.Len(t, children, 2)

	names := map[string]bool{}
	for _, c := range children {
		names[c.Basename] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["sub"])

	// Second call must not re-list the remote directory.
	fs.dirs["/"] = nil
	children, err = ctrl.GetEntriesInDirectory("/")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestReadData_StitchesRemoteAndLocalData(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	fs.entries["/f.bin"] = source.Entry{Name: "f.bin", Type: metadata.TypeFile, Size: 10, Mode: 0o644}
	fs.data["/f.bin"] = []byte("0123456789")

	// First read downloads everything and marks the file synced.
	data, err := ctrl.ReadData("/f.bin", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	// Second read is served entirely from the target mirror.
	fs.data["/f.bin"] = nil
	data, err = ctrl.ReadData("/f.bin", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
}

func TestReadData_SequentialReadsMarkFileSynced(t *testing.T) {
	fs := newFakeSource()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)
	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}
	ctrl, err := New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)

	fs.entries["/f.bin"] = source.Entry{Name: "f.bin", Type: metadata.TypeFile, Size: 10, Mode: 0o644}
	fs.data["/f.bin"] = []byte("0123456789")

	for _, r := range []struct {
		offset int64
		size   int
		want   string
	}{
		{0, 4, "0123"},
		{4, 4, "4567"},
		{8, 2, "89"},
	} {
		data, err := ctrl.ReadData("/f.bin", r.offset, r.size)
		require.NoError(t, err)
		assert.Equal(t, r.want, string(data))
	}

	entry, err := store.GetPath("/", "f.bin")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsSynced)

	segments, err := store.GetRemoteSegments(entry.PathID)
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestGetStatForPath_RegistersOnlyTheResolvedChain(t *testing.T) {
	fs := newFakeSource()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)
	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}
	ctrl, err := New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)

	fs.entries["/d"] = source.Entry{Name: "d", Type: metadata.TypeDirectory, Mode: 0o755}
	fs.entries["/d/x"] = source.Entry{Name: "x", Type: metadata.TypeFile, Size: 1, Mode: 0o644}
	fs.entries["/d/y"] = source.Entry{Name: "y", Type: metadata.TypeFile, Size: 1, Mode: 0o644}
	fs.dirs["/d/"] = []source.Entry{
		{Name: "x", Type: metadata.TypeFile, Size: 1, Mode: 0o644},
		{Name: "y", Type: metadata.TypeFile, Size: 1, Mode: 0o644},
	}

	// A targeted stat registers only /d and /d/x, leaving /d unsynced
	// and its sibling /d/y unknown.
	_, err = ctrl.GetStatForPath("/d/x")
	require.NoError(t, err)

	dirEntry, err := store.GetPath("/", "d")
	require.NoError(t, err)
	require.NotNil(t, dirEntry)
	assert.False(t, dirEntry.IsSynced)

	sibling, err := store.GetPath("/d/", "y")
	require.NoError(t, err)
	assert.Nil(t, sibling)

	// A subsequent listing fills in the rest and marks /d synced.
	children, err := ctrl.GetEntriesInDirectory("/d")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	dirEntry, err = store.GetPath("/", "d")
	require.NoError(t, err)
	require.NotNil(t, dirEntry)
	assert.True(t, dirEntry.IsSynced)
}

func TestReadData_SingleByteMaterialisesOneByte(t *testing.T) {
	fs := newFakeSource()
	memFs := afero.NewMemMapFs()
	tgt, err := target.New(memFs, t.TempDir())
	require.NoError(t, err)
	store, err := metadata.Open(tgt.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs.entries["/"] = source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}
	ctrl, err := New(fs, "sftp://user@host/remote", tgt, store, nil)
	require.NoError(t, err)

	fs.entries["/a.bin"] = source.Entry{Name: "a.bin", Type: metadata.TypeFile, Size: 10, Mode: 0o644}
	fs.data["/a.bin"] = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	data, err := ctrl.ReadData("/a.bin", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, data)

	// Exactly the read byte leaves the remote set, splitting it around
	// the materialised position.
	entry, err := store.GetPath("/", "a.bin")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.IsSynced)

	segments, err := store.GetRemoteSegments(entry.PathID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, [2]int64{0, 2}, [2]int64{segments[0].Begin, segments[0].End})
	assert.Equal(t, [2]int64{4, 9}, [2]int64{segments[1].Begin, segments[1].End})
}

func TestReadData_ClampsToFileSize(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	fs.entries["/short.bin"] = source.Entry{Name: "short.bin", Type: metadata.TypeFile, Size: 3, Mode: 0o644}
	fs.data["/short.bin"] = []byte("abc")

	data, err := ctrl.ReadData("/short.bin", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(data))
}

func TestGetSymlinkTarget_ResolvesSyncedSymlink(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	fs.entries["/link"] = source.Entry{Name: "link", Type: metadata.TypeSymlink, Mode: 0o777}
	fs.links["/link"] = "/a.txt"

	target, err := ctrl.GetSymlinkTarget("/link")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", target)
}

func TestGetPath_UnknownPathUnderSyncedParentIsAbsent(t *testing.T) {
	fs := newFakeSource()
	ctrl := newTestController(t, fs)

	fs.dirs["/"] = nil
	_, err := ctrl.GetEntriesInDirectory("/")
	require.NoError(t, err)

	_, err = ctrl.GetStatForPath(path.Join("/", "missing"))
	assert.Error(t, err)
}
