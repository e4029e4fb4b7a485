package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusSuccessful, StatusTimeout, StatusFailed, StatusExpired, StatusDeleted}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}

	for _, s := range []Status{StatusQueued, StatusSent, StatusDelivered} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestStatusUnmarshal(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"DELIVERED"`), &s))
	assert.Equal(t, StatusDelivered, s)

	assert.Error(t, json.Unmarshal([]byte(`"LOST"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`3`), &s))
}
