package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	ctx := context.Background()
	m := NewManual(10)

	h, err := m.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), h)

	assert.Equal(t, uint64(15), m.Advance(5))

	m.Set(3)
	h, _ = m.Height(ctx)
	assert.Equal(t, uint64(15), h, "Set must not move backwards")

	m.Set(100)
	h, _ = m.Height(ctx)
	assert.Equal(t, uint64(100), h)
}

func TestWall(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w, err := NewWall(genesis, 10*time.Minute)
	require.NoError(t, err)

	w.now = func() time.Time { return genesis.Add(7 * 24 * time.Hour) }
	h, err := w.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1008), h)

	w.now = func() time.Time { return genesis.Add(-time.Hour) }
	h, err = w.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)
}

func TestWall_RejectsZeroInterval(t *testing.T) {
	_, err := NewWall(time.Now(), 0)
	assert.Error(t, err)
}

type fakeChain struct {
	block uint64
	err   error
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.block, f.err }

func TestChain(t *testing.T) {
	c := NewChain(&fakeChain{block: 19_000_000})
	h, err := c.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(19_000_000), h)
	c.Close()

	boom := errors.New("rpc down")
	_, err = NewChain(&fakeChain{err: boom}).Height(context.Background())
	assert.ErrorIs(t, err, boom)
}
