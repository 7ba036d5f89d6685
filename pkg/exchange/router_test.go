package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeq/routeq/pkg/types"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		key     string
		pattern string
		want    bool
	}{
		// No wildcards: exact equality, including reflexivity.
		{"car.created", "car.created", true},
		{"car.created", "car.updated", false},
		{"car", "car", true},

		// Hash matches zero or more trailing segments.
		{"car.created", "car.#", true},
		{"car.price.changed", "car.#", true},
		{"car", "car.#", true},
		{"vehicle.created", "car.#", false},

		// Star matches exactly one segment.
		{"car.created", "car.*", true},
		{"car.price.changed", "car.*", false},
		{"car", "car.*", false},

		// Interior and leading wildcards.
		{"car.created.luxury", "car.*.luxury", true},
		{"car.created", "car.*.luxury", false},
		{"logs.error.db", "#.db", true},
		{"db", "#.db", true},
		{"a.b.c.d", "a.#.d", true},
		{"a.d", "a.#.d", true},
		{"a.b.c", "a.#.d", false},

		// Bare hash matches everything, including a single segment.
		{"anything", "#", true},
		{"a.b.c", "#", true},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, MatchTopic(tc.key, tc.pattern),
			"match(%q, %q)", tc.key, tc.pattern)
	}
}

func TestDirectRouting(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("events", types.Direct))
	require.NoError(t, reg.Bind("events", "car.created", "q1"))
	require.NoError(t, reg.Bind("events", "car.created", "q2"))
	require.NoError(t, reg.Bind("events", "car.deleted", "q3"))

	router := NewRouter(reg)

	queues, err := router.Route("events", "car.created")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, queues)

	// No partial match ever succeeds on a direct exchange.
	queues, err = router.Route("events", "car.create")
	require.NoError(t, err)
	assert.Empty(t, queues)

	queues, err = router.Route("events", "car")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestFanoutRouting(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("broadcast", types.Fanout))
	require.NoError(t, reg.Bind("broadcast", "", "q1"))
	require.NoError(t, reg.Bind("broadcast", "", "q2"))
	require.NoError(t, reg.Bind("broadcast", "", "q3"))

	router := NewRouter(reg)

	for _, key := range []string{"car.created", "", "whatever"} {
		queues, err := router.Route("broadcast", key)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"q1", "q2", "q3"}, queues, "key %q", key)
	}
}

func TestTopicRoutingDeduplicatesQueues(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("events", types.Topic))
	require.NoError(t, reg.Bind("events", "car.#", "q1"))
	require.NoError(t, reg.Bind("events", "car.*", "q1"))
	require.NoError(t, reg.Bind("events", "car.created", "q2"))

	router := NewRouter(reg)

	queues, err := router.Route("events", "car.created")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, queues)
}

func TestDeclareIdempotentAndMismatch(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("events", types.Topic))
	require.NoError(t, reg.Declare("events", types.Topic))

	err := reg.Declare("events", types.Fanout)
	require.Error(t, err)
	var rqErr *types.Error
	require.ErrorAs(t, err, &rqErr)
	assert.Equal(t, types.ErrCodeExchangeMismatch, rqErr.Code)
	assert.True(t, rqErr.IsConfiguration())
}

func TestBindRequiresDeclaredExchange(t *testing.T) {
	reg := NewRegistry()
	err := reg.Bind("ghost", "car.#", "q1")
	var rqErr *types.Error
	require.ErrorAs(t, err, &rqErr)
	assert.Equal(t, types.ErrCodeExchangeNotFound, rqErr.Code)
}

func TestBindDuplicateTripleIsNoop(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("events", types.Topic))
	require.NoError(t, reg.Bind("events", "car.#", "q1"))
	require.NoError(t, reg.Bind("events", "car.#", "q1"))
	assert.Len(t, reg.Bindings("events"), 1)
}

func TestBindRejectsAdjacentHashes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare("events", types.Topic))
	err := reg.Bind("events", "car.#.#", "q1")
	var rqErr *types.Error
	require.ErrorAs(t, err, &rqErr)
	assert.Equal(t, types.ErrCodeInvalidPattern, rqErr.Code)
}

func TestRouteUnknownExchange(t *testing.T) {
	router := NewRouter(NewRegistry())
	_, err := router.Route("nope", "a.b")
	require.Error(t, err)
}
