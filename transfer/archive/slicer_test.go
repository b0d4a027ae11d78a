package archive

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectingSlicer(partSize int) (*partSlicer, *[]rawPart) {
	var parts []rawPart
	slicer := newPartSlicer(partSize, func(part rawPart) error {
		parts = append(parts, part)
		return nil
	})
	return slicer, &parts
}

func TestSlicerCutsExactParts(t *testing.T) {
	slicer, parts := collectingSlicer(10)

	stream := bytes.Repeat([]byte{0xAB}, 30)
	// feed in awkward increments so part boundaries never align with writes
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		n, err := slicer.Write(stream[i:end])
		require.NoError(t, err)
		assert.Equal(t, end-i, n)
	}
	require.NoError(t, slicer.Finish())

	require.Len(t, *parts, 3)
	var joined []byte
	for i, part := range *parts {
		assert.Equal(t, int32(i+1), part.number)
		assert.Len(t, part.data, 10)
		joined = append(joined, part.data...)
	}
	assert.Equal(t, stream, joined)
	assert.Equal(t, int64(30), slicer.Written())
}

func TestSlicerEmitsRemainderOnFinish(t *testing.T) {
	slicer, parts := collectingSlicer(10)

	_, err := slicer.Write(bytes.Repeat([]byte{0x01}, 25))
	require.NoError(t, err)
	require.Len(t, *parts, 2)

	require.NoError(t, slicer.Finish())
	require.Len(t, *parts, 3)
	assert.Len(t, (*parts)[2].data, 5)
	assert.Equal(t, int32(3), (*parts)[2].number)
}

func TestSlicerHoldsShortStreamUntilFinish(t *testing.T) {
	slicer, parts := collectingSlicer(10)

	_, err := slicer.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, *parts)

	require.NoError(t, slicer.Finish())
	require.Len(t, *parts, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, (*parts)[0].data)
}

func TestSlicerEmptyStream(t *testing.T) {
	slicer, parts := collectingSlicer(10)

	require.NoError(t, slicer.Finish())
	assert.Empty(t, *parts)
	assert.Equal(t, int64(0), slicer.Written())
}

func TestSlicerPropagatesEmitError(t *testing.T) {
	emitErr := errors.New("pipeline closed")
	slicer := newPartSlicer(4, func(rawPart) error {
		return emitErr
	})

	_, err := slicer.Write(bytes.Repeat([]byte{0xFF}, 8))
	assert.ErrorIs(t, err, emitErr)
}

func TestSlicerIsolatesEmittedParts(t *testing.T) {
	slicer, parts := collectingSlicer(4)

	_, err := slicer.Write([]byte{1, 1, 1, 1})
	require.NoError(t, err)
	_, err = slicer.Write([]byte{2, 2, 2, 2})
	require.NoError(t, err)

	// the second part must not have clobbered the first one's bytes
	require.Len(t, *parts, 2)
	assert.Equal(t, []byte{1, 1, 1, 1}, (*parts)[0].data)
	assert.Equal(t, []byte{2, 2, 2, 2}, (*parts)[1].data)
}
