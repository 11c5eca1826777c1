package reconcile

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQueueWriteListResolve(t *testing.T) {
	q := &Queue{Dir: filepath.Join(t.TempDir(), "reconcile"), Log: zaptest.NewLogger(t)}

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)

	first, err := q.Write(Entry{
		Timestamp:      time.Unix(100, 0),
		IdempotencyKey: "key/../1",
		Kind:           "deposit",
		State:          json.RawMessage(`{"outcome":"timed_out"}`),
		Error:          "transaction not final",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(first), first)
	assert.NotContains(t, first, "/")

	_, err = q.Write(Entry{Timestamp: time.Unix(200, 0), Kind: "redeem", State: json.RawMessage(`{}`)})
	require.NoError(t, err)

	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	entries, order, err := q.List()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, first, order[0])
	assert.Equal(t, "deposit", entries[first].Kind)
	assert.JSONEq(t, `{"outcome":"timed_out"}`, string(entries[first].State))

	got, err := q.Read(first)
	require.NoError(t, err)
	assert.Equal(t, "key/../1", got.IdempotencyKey)
	_, err = q.Read("../" + first)
	assert.Error(t, err)

	require.NoError(t, q.Resolve(first))
	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	assert.Error(t, q.Resolve("../escape.json"))
}

func TestDisabledQueue(t *testing.T) {
	q := &Queue{}
	name, err := q.Write(Entry{Kind: "deposit"})
	require.NoError(t, err)
	assert.Empty(t, name)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}
