package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateIngesting, StateSealed, true},
		{StateIngesting, StateArchiving, true},
		{StateIngesting, StateFailed, true},
		{StateSealed, StateArchiving, true},
		{StateSealed, StateIngesting, false},
		{StateArchiving, StateDone, true},
		{StateArchiving, StateFailed, true},
		{StateArchiving, StateSealed, false},
		{StateDone, StateFailed, false},
		{StateDone, StateDone, false},
		{StateFailed, StateIngesting, false},
		{StateIngesting, StateIngesting, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateIngesting.Terminal())
	assert.False(t, StateSealed.Terminal())
	assert.False(t, StateArchiving.Terminal())
}

func TestIncompleteErrorPreviewsLongGapLists(t *testing.T) {
	short := &IncompleteError{FileName: "a.txt", Missing: []int{4}, Total: 8}
	assert.Equal(t, "file a.txt is missing 1 of 8 chunks (indices 4)", short.Error())

	missing := make([]int, 12)
	for i := range missing {
		missing[i] = i
	}
	long := &IncompleteError{FileName: "big.bin", Missing: missing, Total: 40}
	assert.Equal(t, "file big.bin is missing 12 of 40 chunks (indices 0, 1, 2, 3, 4, 5, 6, 7, ...)", long.Error())
}

func TestStateErrorMessage(t *testing.T) {
	err := &StateError{SessionID: "abc", State: StateDone, Op: "confirm chunks"}
	assert.Equal(t, "session abc: cannot confirm chunks in state done", err.Error())
}

func TestSHA256Verifier(t *testing.T) {
	verifier := SHA256Verifier{}
	ctx := context.Background()

	assert.False(t, verifier.Verify(ctx, ""))
	assert.True(t, verifier.Verify(ctx, "hunter2"))

	hash := verifier.Hash("hunter2")
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, verifier.Hash("hunter2"))
	assert.NotEqual(t, hash, verifier.Hash("other"))
}
