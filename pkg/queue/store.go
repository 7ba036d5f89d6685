package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/routeq/routeq/pkg/serialization"
	"github.com/routeq/routeq/pkg/storage"
	"github.com/routeq/routeq/pkg/types"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// DataDir is where durable queue journals live.
	DataDir string

	// Codec encodes journal frames for durable queues.
	Codec serialization.Codec

	// Journal holds the journal tuning knobs.
	Journal storage.Options

	// Logger is used for queue lifecycle events. Nil falls back to the
	// logrus standard logger.
	Logger *logrus.Logger
}

// Store owns every queue by name. Declaration is idempotent; redeclaring
// with different options is a configuration error. Each queue serializes
// its own mutations; the store lock only guards the name table.
type Store struct {
	cfg        StoreConfig
	logger     *logrus.Logger
	deadLetter DeadLetterFunc

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		queues: make(map[string]*Queue),
	}
}

// SetDeadLetter installs the dead-letter hook used by queues declared from
// now on. The broker wires this before applying topology.
func (s *Store) SetDeadLetter(fn DeadLetterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter = fn
}

// Declare creates the queue or returns the existing one. Durable queues
// replay their journal on first declaration after a restart.
func (s *Store) Declare(name string, opts Options) (*Queue, error) {
	if name == "" {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "queue name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queues[name]; ok {
		if existing.opts != opts {
			return nil, types.NewError(types.ErrCodeQueueMismatch, "queue already declared with different options").
				WithDetail("queue", name)
		}
		return existing, nil
	}

	var (
		journal  *storage.Journal
		restored []*types.Message
	)
	if opts.Durable {
		var err error
		journal, restored, err = storage.Open(s.cfg.DataDir, name, s.cfg.Codec, s.cfg.Journal)
		if err != nil {
			return nil, err
		}
	}

	q := newQueue(name, opts, journal, s.deadLetter, restored)
	s.queues[name] = q

	s.logger.WithFields(logrus.Fields{
		"queue":    name,
		"durable":  opts.Durable,
		"restored": len(restored),
	}).Info("queue declared")
	return q, nil
}

// Get returns a declared queue.
func (s *Store) Get(name string) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, types.ErrQueueNotFound(name)
	}
	return q, nil
}

// Enqueue appends a message to the named queue.
func (s *Store) Enqueue(name string, msg *types.Message) error {
	q, err := s.Get(name)
	if err != nil {
		return err
	}
	return q.Enqueue(msg)
}

// TryDequeue pops the oldest live message from the named queue.
func (s *Store) TryDequeue(name, workerID string) (*types.Message, bool, error) {
	q, err := s.Get(name)
	if err != nil {
		return nil, false, err
	}
	msg, ok := q.TryDequeue(workerID)
	return msg, ok, nil
}

// Remove deletes a message by ID from the named queue.
func (s *Store) Remove(name, messageID string) (bool, error) {
	q, err := s.Get(name)
	if err != nil {
		return false, err
	}
	return q.Remove(messageID), nil
}

// Names returns the declared queue names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

// SweepExpired expires due messages across every queue and returns the
// total removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.RLock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	total := 0
	for _, q := range queues {
		total += q.ExpireDue(now)
	}
	return total
}

// Close closes every queue and flushes durable journals.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, q := range s.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = types.NewErrorWithCause(types.ErrCodeStorageError, "closing queue "+name, err)
		}
	}
	return firstErr
}
