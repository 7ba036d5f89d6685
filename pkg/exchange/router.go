package exchange

import (
	"strings"

	"github.com/routeq/routeq/pkg/types"
)

// Router resolves the set of target queues for a published routing key.
type Router struct {
	registry *Registry
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route returns the queue names the routing key resolves to under the named
// exchange. An empty result is not an error: the publish is a no-op the
// caller is expected to make observable. Each queue appears at most once
// even when several bindings match it.
func (r *Router) Route(exchangeName, routingKey string) ([]string, error) {
	kind, err := r.registry.Kind(exchangeName)
	if err != nil {
		return nil, err
	}

	bindings := r.registry.Bindings(exchangeName)
	seen := make(map[string]struct{}, len(bindings))
	var queues []string

	for _, b := range bindings {
		var matched bool
		switch kind {
		case types.Direct:
			matched = b.Pattern == routingKey
		case types.Topic:
			matched = MatchTopic(routingKey, b.Pattern)
		case types.Fanout:
			matched = true
		}
		if !matched {
			continue
		}
		if _, dup := seen[b.Queue]; dup {
			continue
		}
		seen[b.Queue] = struct{}{}
		queues = append(queues, b.Queue)
	}
	return queues, nil
}

// MatchTopic reports whether a dot-segmented routing key matches a topic
// pattern. A `*` segment matches exactly one key segment, a `#` segment
// matches zero or more. A pattern without wildcards reduces to exact
// segment equality.
func MatchTopic(routingKey, pattern string) bool {
	return matchSegments(strings.Split(routingKey, "."), strings.Split(pattern, "."))
}

func matchSegments(key, pattern []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		// Try consuming zero, one, ... key segments.
		for consumed := 0; consumed <= len(key); consumed++ {
			if matchSegments(key[consumed:], pattern[1:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(key[1:], pattern[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchSegments(key[1:], pattern[1:])
	}
}
