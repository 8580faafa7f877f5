package escrow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasExpired(t *testing.T) {
	r := &Record{Expiration: 100}
	assert.False(t, HasExpired(r, 99))
	assert.False(t, HasExpired(r, 100))
	assert.True(t, HasExpired(r, 101))
}

func TestDeadline_Expiration(t *testing.T) {
	d := DefaultDeadline()

	exp, err := d.Expiration(10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1018), exp)

	exp, err = d.Expiration(10, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), exp)

	_, err = d.Expiration(10, d.MaxLifetime+1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = d.Expiration(math.MaxUint64-5, 10)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeadline_Extend(t *testing.T) {
	d := DefaultDeadline()
	tests := []struct {
		delta   uint64
		want    uint64
		wantErr bool
	}{
		{0, 0, true},
		{1, 1001, false},
		{100, 1100, false},
		{1440, 2440, false},
		{1441, 0, true},
	}
	for _, tt := range tests {
		got, err := d.Extend(1000, tt.delta)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAmount, "delta %d", tt.delta)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := d.Extend(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeadlineRule(t *testing.T) {
	r := &Record{Expiration: 50}
	assert.NoError(t, deadlineBefore.check(r, 50))
	assert.ErrorIs(t, deadlineBefore.check(r, 51), ErrDealExpired)
	assert.ErrorIs(t, deadlineAfter.check(r, 50), ErrNotYetExpired)
	assert.NoError(t, deadlineAfter.check(r, 51))
	assert.NoError(t, deadlineNone.check(r, 0))
	assert.NoError(t, deadlineNone.check(r, math.MaxUint64))
}
