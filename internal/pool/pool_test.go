package pool

import (
	"context"
	"testing"

	"github.com/gmta/mountload/internal/controller"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/gmta/mountload/internal/source"
	"github.com/gmta/mountload/internal/target"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal controller.RemoteSource stand-in: only the
// remote root needs to resolve for a Controller to bootstrap.
type fakeSource struct {
	closed bool
}

func (f *fakeSource) GetEntry(relative string) (*source.Entry, error) {
	if relative != "/" {
		return nil, nil
	}
	return &source.Entry{Name: "/", Type: metadata.TypeDirectory, Mode: 0o755}, nil
}

func (f *fakeSource) GetDirectoryEntries(relative string) ([]source.Entry, error) { return nil, nil }
func (f *fakeSource) GetLinkTarget(relative string) (string, error)               { return "", nil }
func (f *fakeSource) ReadData(relative string, offset int64, buf []byte) (int, error) {
	return 0, nil
}
func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func newTestPool(t *testing.T, max int) (*Pool, *target.Target) {
	t.Helper()
	tgt, err := target.New(afero.NewMemMapFs(), t.TempDir())
	require.NoError(t, err)

	factory := func() (*controller.Controller, error) {
		// Each pooled controller owns its own metadata connection.
		store, err := metadata.Open(tgt.DBPath(), nil)
		if err != nil {
			return nil, err
		}
		ctrl, err := controller.New(&fakeSource{}, "sftp://u@h/p", tgt, store, nil)
		if err != nil {
			store.Close()
			return nil, err
		}
		return ctrl, nil
	}
	return New(max, factory, nil), tgt
}

func TestPool_AcquireReleaseReusesInstance(t *testing.T) {
	p, _ := newTestPool(t, 2)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	p.Release(c2)
}

func TestPool_AcquireBlocksAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, 1)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.Error(t, err, "a full pool must block until a slot frees up")

	p.Release(c1)
}

func TestPool_CloseWithIdleInstanceThenAcquireFails(t *testing.T) {
	p, _ := newTestPool(t, 2)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	assert.Error(t, err, "acquiring from a closed pool must fail")
}
