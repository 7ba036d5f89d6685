package exchange

import (
	"strings"
	"sync"

	"github.com/routeq/routeq/pkg/types"
)

// Binding associates a pattern with a queue under a named exchange.
type Binding struct {
	Exchange string
	Pattern  string
	Queue    string
}

// Registry holds declared exchanges and their bindings. Declarations are
// idempotent: redeclaring an exchange with the same kind or re-adding an
// identical binding triple is a no-op, while redeclaring with a different
// kind is a configuration error.
type Registry struct {
	mu        sync.RWMutex
	exchanges map[string]types.ExchangeKind
	bindings  map[string][]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exchanges: make(map[string]types.ExchangeKind),
		bindings:  make(map[string][]Binding),
	}
}

// Declare registers an exchange. Returns EXCHANGE_MISMATCH when the name is
// already taken by an exchange of a different kind.
func (r *Registry) Declare(name string, kind types.ExchangeKind) error {
	if name == "" {
		return types.NewError(types.ErrCodeInvalidConfig, "exchange name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.exchanges[name]; ok {
		if existing != kind {
			return types.NewError(types.ErrCodeExchangeMismatch, "exchange already declared with different kind").
				WithDetail("exchange", name).
				WithDetail("declared", existing.String()).
				WithDetail("requested", kind.String())
		}
		return nil
	}
	r.exchanges[name] = kind
	return nil
}

// Kind returns the declared kind of an exchange.
func (r *Registry) Kind(name string) (types.ExchangeKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.exchanges[name]
	if !ok {
		return 0, types.ErrExchangeNotFound(name)
	}
	return kind, nil
}

// Bind adds a (pattern, queue) binding under the exchange. The exchange must
// already be declared; for topic exchanges the pattern is validated. The
// binding triple is unique; duplicates are silently ignored.
func (r *Registry) Bind(exchangeName, pattern, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.exchanges[exchangeName]
	if !ok {
		return types.ErrExchangeNotFound(exchangeName)
	}
	if kind == types.Topic {
		if err := validatePattern(pattern); err != nil {
			return err
		}
	}

	b := Binding{Exchange: exchangeName, Pattern: pattern, Queue: queue}
	for _, existing := range r.bindings[exchangeName] {
		if existing == b {
			return nil
		}
	}
	r.bindings[exchangeName] = append(r.bindings[exchangeName], b)
	return nil
}

// Bindings returns a copy of the bindings for an exchange.
func (r *Registry) Bindings(exchangeName string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Binding(nil), r.bindings[exchangeName]...)
}

// validatePattern rejects patterns that could never match anything sensible.
// A contiguous run of # segments is redundant at best and explodes the
// recursive matcher at worst.
func validatePattern(pattern string) error {
	segments := strings.Split(pattern, ".")
	for i := 1; i < len(segments); i++ {
		if segments[i] == "#" && segments[i-1] == "#" {
			return types.NewError(types.ErrCodeInvalidPattern, "adjacent # segments in pattern").
				WithDetail("pattern", pattern)
		}
	}
	return nil
}
