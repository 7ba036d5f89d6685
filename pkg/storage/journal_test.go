package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeq/routeq/pkg/serialization"
	"github.com/routeq/routeq/pkg/types"
)

func newTestCodec(t *testing.T) serialization.Codec {
	t.Helper()
	codec, err := serialization.NewCBORCodec()
	require.NoError(t, err)
	return codec
}

func TestJournalReplayRestoresReadyOrder(t *testing.T) {
	dir := t.TempDir()
	codec := newTestCodec(t)

	j, live, err := Open(dir, "orders", codec, Options{})
	require.NoError(t, err)
	require.Empty(t, live)

	for _, id := range []string{"a", "b", "c"} {
		msg := types.NewMessage("order.created", []byte("payload-"+id), nil)
		msg.ID = id
		msg.EnqueuedAt = time.Now().UTC()
		require.NoError(t, j.AppendEnqueue(msg))
	}
	require.NoError(t, j.AppendRemove("a"))
	require.NoError(t, j.AppendRequeue("b"))
	require.NoError(t, j.Close())

	_, live, err = Open(dir, "orders", codec, Options{})
	require.NoError(t, err)

	// "a" was acked, "b" was requeued behind "c" with its count bumped.
	require.Len(t, live, 2)
	assert.Equal(t, "c", live[0].ID)
	assert.Equal(t, "b", live[1].ID)
	assert.Equal(t, 1, live[1].RetryCount)
	assert.Equal(t, 0, live[0].RetryCount)
}

func TestJournalCompactsOnOpen(t *testing.T) {
	dir := t.TempDir()
	codec := newTestCodec(t)

	j, _, err := Open(dir, "orders", codec, Options{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		msg := types.NewMessage("order.created", []byte("x"), nil)
		require.NoError(t, j.AppendEnqueue(msg))
		require.NoError(t, j.AppendRemove(msg.ID))
	}
	keeper := types.NewMessage("order.created", []byte("keep"), nil)
	require.NoError(t, j.AppendEnqueue(keeper))
	require.NoError(t, j.Close())

	j2, live, err := Open(dir, "orders", codec, Options{})
	require.NoError(t, err)
	defer j2.Close()

	require.Len(t, live, 1)
	assert.Equal(t, keeper.ID, live[0].ID)

	// Reopening again must still yield exactly the surviving message.
	require.NoError(t, j2.Close())
	_, live, err = Open(dir, "orders", codec, Options{})
	require.NoError(t, err)
	require.Len(t, live, 1)
}

func TestJournalCompressesLargePayloads(t *testing.T) {
	dir := t.TempDir()
	codec := newTestCodec(t)

	opts := Options{CompressThreshold: 64}
	j, _, err := Open(dir, "bulk", codec, opts)
	require.NoError(t, err)

	msg := types.NewMessage("bulk.load", bytes.Repeat([]byte("abcd"), 4096), nil)
	require.NoError(t, j.AppendEnqueue(msg))
	require.NoError(t, j.Close())

	_, live, err := Open(dir, "bulk", codec, opts)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, msg.Payload, live[0].Payload)
}

func TestJournalHeadersAndDeathsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	codec := newTestCodec(t)

	j, _, err := Open(dir, "dlq", codec, Options{})
	require.NoError(t, err)

	msg := types.NewMessage("car.events.failed", []byte("{}"), map[string]string{"source": "api"})
	msg.RecordDeath("car.events.queue", types.ReasonExpired, time.Now().UTC())
	require.NoError(t, j.AppendEnqueue(msg))
	require.NoError(t, j.Close())

	_, live, err := Open(dir, "dlq", codec, Options{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "api", live[0].Headers["source"])
	require.Len(t, live[0].DeathHistory, 1)
	assert.Equal(t, types.ReasonExpired, live[0].DeathHistory[0].Reason)
}
