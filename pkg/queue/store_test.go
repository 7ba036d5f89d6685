package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeq/routeq/pkg/serialization"
	"github.com/routeq/routeq/pkg/types"
)

func durableStoreConfig(t *testing.T, dir string) StoreConfig {
	t.Helper()
	codec, err := serialization.NewCBORCodec()
	require.NoError(t, err)
	return StoreConfig{DataDir: dir, Codec: codec}
}

func TestDurableQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Durable: true}

	store := NewStore(durableStoreConfig(t, dir))
	q, err := store.Declare("orders", opts)
	require.NoError(t, err)

	m1 := types.NewMessage("order.created", []byte("one"), nil)
	m2 := types.NewMessage("order.created", []byte("two"), nil)
	require.NoError(t, q.Enqueue(m1))
	require.NoError(t, q.Enqueue(m2))

	// Consume and ack the first; the second stays ready.
	got, ok := q.TryDequeue("w1")
	require.True(t, ok)
	require.Equal(t, m1.ID, got.ID)
	require.True(t, q.Ack(m1.ID))
	require.NoError(t, store.Close())

	// New process: the unacked message is back, the acked one is gone.
	store2 := NewStore(durableStoreConfig(t, dir))
	q2, err := store2.Declare("orders", opts)
	require.NoError(t, err)
	defer store2.Close()

	assert.Equal(t, 1, q2.Depth())
	got, ok = q2.TryDequeue("w1")
	require.True(t, ok)
	assert.Equal(t, m2.ID, got.ID)
	assert.Equal(t, []byte("two"), got.Payload)
}

func TestDeliveredButUnackedComesBackAfterRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Durable: true}

	store := NewStore(durableStoreConfig(t, dir))
	q, err := store.Declare("orders", opts)
	require.NoError(t, err)

	msg := types.NewMessage("order.created", []byte("held"), nil)
	require.NoError(t, q.Enqueue(msg))

	// Delivered but never acked: the crash path. At-least-once means the
	// message must reappear on restart.
	_, ok := q.TryDequeue("w1")
	require.True(t, ok)
	require.NoError(t, store.Close())

	store2 := NewStore(durableStoreConfig(t, dir))
	q2, err := store2.Declare("orders", opts)
	require.NoError(t, err)
	defer store2.Close()

	assert.Equal(t, 1, q2.Depth())
}

func TestEphemeralQueueLosesContentsOnRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Durable: false}

	store := NewStore(durableStoreConfig(t, dir))
	q, err := store.Declare("scratch", opts)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(types.NewMessage("k", []byte("gone"), nil)))
	require.NoError(t, store.Close())

	store2 := NewStore(durableStoreConfig(t, dir))
	q2, err := store2.Declare("scratch", opts)
	require.NoError(t, err)
	defer store2.Close()

	assert.Equal(t, 0, q2.Depth())
}
