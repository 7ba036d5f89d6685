package consumer

import (
	"github.com/bytedance/sonic"

	"github.com/routeq/routeq/pkg/types"
)

// JSON wraps a typed handler, decoding the payload as JSON before the call.
// A payload that does not decode is rejected immediately: malformed bytes do
// not get better with retries.
func JSON[T any](handler func(msg *types.Message, value T) Disposition) Handler {
	return func(msg *types.Message) Disposition {
		var value T
		if err := sonic.Unmarshal(msg.Payload, &value); err != nil {
			return Reject
		}
		return handler(msg, value)
	}
}
