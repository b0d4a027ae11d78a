package kvstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundtrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "a", []byte("value")))
	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	// the returned slice must not alias the stored one
	value[0] = 'X'
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryList(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("chunk/%02d", i), []byte("x")))
	}
	require.NoError(t, store.Put(ctx, "session/1", []byte("y")))

	var pages [][]string
	err := store.List(ctx, "chunk/", 2, func(keys []string) error {
		page := make([]string, len(keys))
		copy(page, keys)
		pages = append(pages, page)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"chunk/00", "chunk/01"},
		{"chunk/02", "chunk/03"},
		{"chunk/04"},
	}, pages)
}

func TestMemoryListStopsOnError(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("k%d", i), []byte("x")))
	}

	stop := errors.New("stop")
	calls := 0
	err := store.List(ctx, "k", 2, func(keys []string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
