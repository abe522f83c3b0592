package fusefs

import (
	"context"
	"testing"

	"github.com/gmta/mountload/internal/controller"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/pool"
	"github.com/gmta/mountload/internal/source"
	"github.com/gmta/mountload/internal/target"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory controller.RemoteSource driving a single
// root directory with one child file, enough to exercise every Facade
// operation without a live SSH/SFTP connection.
type fakeSource struct {
	dirListed bool
}

func (f *fakeSource) GetEntry(relative string) (*source.Entry, error) {
	switch relative {
	case "/":
		return &source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}, nil
	case "/a.txt":
		return &source.Entry{Name: "a.txt", Type: metadata.TypeFile, Size: 5, Mode: 0o644}, nil
	default:
		return nil, nil
	}
}

func (f *fakeSource) GetDirectoryEntries(relative string) ([]source.Entry, error) {
	f.dirListed = true
	return []source.Entry{{Name: "a.txt", Type: metadata.TypeFile, Size: 5, Mode: 0o644}}, nil
}

func (f *fakeSource) GetLinkTarget(relative string) (string, error) { return "", nil }

func (f *fakeSource) ReadData(relative string, offset int64, buf []byte) (int, error) {
	content := []byte("hello")
	if offset >= int64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[offset:]), nil
}

func (f *fakeSource) Close() error { return nil }

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	tgt, err := target.New(afero.NewMemMapFs(), t.TempDir())
	require.NoError(t, err)

	fs := &fakeSource{}
	factory := func() (*controller.Controller, error) {
		// Each pooled controller owns its own metadata connection.
		store, err := metadata.Open(tgt.DBPath(), nil)
		if err != nil {
			return nil, err
		}
		ctrl, err := controller.New(fs, "sftp://u@h/p", tgt, store, nil)
		if err != nil {
			store.Close()
			return nil, err
		}
		return ctrl, nil
	}
	return New(pool.New(2, factory, nil), nil)
}

func TestFacade_Getattr(t *testing.T) {
	f := newTestFacade(t)
	stat, err := f.Getattr(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stat.Nlink)
}

func TestFacade_Getattr_MissingPathIsNotExist(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Getattr(context.Background(), "/missing")
	require.Error(t, err)
	assert.True(t, IsNotExist(err))
}

func TestFacade_ReaddirAndRead(t *testing.T) {
	f := newTestFacade(t)

	entries, err := f.Readdir(context.Background(), "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)

	data, err := f.Read(context.Background(), "/a.txt", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFacade_Destroy(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Getattr(context.Background(), "/")
	require.NoError(t, err)
	require.NoError(t, f.Destroy())
}
