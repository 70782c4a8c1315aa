package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDNoExistsCheck(t *testing.T) {
	id, err := NewID(nil)
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestNewIDRetriesOnCollision(t *testing.T) {
	seen := map[string]bool{}
	calls := 0
	exists := func(id string) (bool, error) {
		calls++
		if calls <= 2 {
			return true, nil
		}
		return seen[id], nil
	}

	id, err := NewID(exists)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestNewIDPropagatesExistsError(t *testing.T) {
	exists := func(id string) (bool, error) {
		return false, assert.AnError
	}
	_, err := NewID(exists)
	assert.Error(t, err)
}
