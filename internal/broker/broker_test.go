package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSkipsOwnFrames(t *testing.T) {
	b := NewRedis(nil, "ch", nil)

	own, err := json.Marshal(envelope{Node: b.Node(), Room: "user:1", Frame: json.RawMessage(`{"type":"x"}`)})
	require.NoError(t, err)
	_, _, ok := b.decode(string(own))
	assert.False(t, ok)

	remote, err := json.Marshal(envelope{Node: "other", Room: "user:1", Frame: json.RawMessage(`{"type":"x"}`)})
	require.NoError(t, err)
	room, frame, ok := b.decode(string(remote))
	require.True(t, ok)
	assert.Equal(t, "user:1", room)
	assert.JSONEq(t, `{"type":"x"}`, string(frame))

	_, _, ok = b.decode("garbage")
	assert.False(t, ok)
}
