package samplebuf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cerebra/internal/fnirs"
)

func frame(n int64) fnirs.RawSample {
	return fnirs.RawSample{FrameNumber: n, TimestampMs: n * 200, NM860Long: float64(n)}
}

func TestPushAndWindowChronological(t *testing.T) {
	b := New(4)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Push(0, frame(i)))
	}

	w := b.Window(0, 0)
	require.Len(t, w, 3)
	assert.Equal(t, []int64{1, 2, 3}, frameNumbers(w))

	w = b.Window(0, 2)
	assert.Equal(t, []int64{2, 3}, frameNumbers(w))
}

func TestEvictsOldestOnOverflow(t *testing.T) {
	b := New(3)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, b.Push(0, frame(i)))
	}
	assert.Equal(t, 3, b.Len(0))
	assert.Equal(t, []int64{3, 4, 5}, frameNumbers(b.Window(0, 10)))

	last, ok := b.Last(0)
	require.True(t, ok)
	assert.Equal(t, int64(5), last.FrameNumber)
}

func TestOutOfOrderRejectedWithoutMutation(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Push(1, frame(5)))
	require.NoError(t, b.Push(1, frame(6)))

	tests := []struct {
		name string
		s    fnirs.RawSample
	}{
		{"duplicate frame", frame(6)},
		{"older frame", frame(2)},
		{"timestamp regression", fnirs.RawSample{FrameNumber: 7, TimestampMs: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Push(1, tt.s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fnirs.ErrOutOfOrderFrame))
			assert.Equal(t, []int64{5, 6}, frameNumbers(b.Window(1, 0)))
		})
	}
}

func TestOptodesAreIndependent(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Push(0, frame(10)))
	require.NoError(t, b.Push(1, frame(1)))
	assert.Equal(t, 2, b.Optodes())
	assert.Equal(t, 1, b.Len(0))
	assert.Equal(t, 1, b.Len(1))

	b.Reset(0)
	assert.Equal(t, 0, b.Len(0))
	assert.NoError(t, b.Push(0, frame(1)), "reset clears ordering history")
}

func TestEmptyWindow(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.Capacity())
	assert.Nil(t, b.Window(3, 5))
	_, ok := b.Last(3)
	assert.False(t, ok)
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 50, CapacityFor(5.0, 10))
	assert.Equal(t, 1, CapacityFor(0, 10))
	assert.Equal(t, 25, CapacityFor(2.5, 10))
}

func frameNumbers(w []fnirs.RawSample) []int64 {
	out := make([]int64, len(w))
	for i, s := range w {
		out[i] = s.FrameNumber
	}
	return out
}
