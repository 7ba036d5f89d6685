package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/routeq/routeq/pkg/metrics"
	"github.com/routeq/routeq/pkg/queue"
	"github.com/routeq/routeq/pkg/types"
)

// Disposition is the handler's verdict on one message.
type Disposition uint8

const (
	// Ack removes the message permanently.
	Ack Disposition = iota
	// RequeueRetry returns the message to the tail for another attempt,
	// until the retry budget is spent.
	RequeueRetry
	// Reject removes the message without retrying and dead-letters it.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case RequeueRetry:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Handler processes one delivered message and decides its fate.
type Handler func(msg *types.Message) Disposition

// AckMode selects when a delivery is acknowledged.
type AckMode uint8

const (
	// AckManual acknowledges according to the handler's disposition.
	AckManual AckMode = iota
	// AckAuto acknowledges on delivery, before the handler runs. A handler
	// failure under AckAuto loses the message; that trade is the caller's.
	AckAuto
)

// Config tunes a consumer session.
type Config struct {
	// MinWorkers is the floor of the pool. Zero means 1.
	MinWorkers int
	// MaxWorkers is the ceiling of the pool. Zero means MinWorkers.
	MaxWorkers int
	// Prefetch is the batch a worker drains per wakeup. Zero means 1.
	Prefetch int
	// MaxRetries bounds redeliveries per message. Zero means 3; a negative
	// value means no retries, so the first failure dead-letters.
	MaxRetries int
	// AckMode defaults to AckManual.
	AckMode AckMode
	// GracePeriod bounds how long Stop waits for in-flight handlers before
	// releasing their messages back to the queue. Zero means 5s.
	GracePeriod time.Duration

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

const (
	scaleInterval = 50 * time.Millisecond
	idleTimeout   = time.Second
)

// Session is a running consumer on one queue: a floating pool of workers
// between MinWorkers and MaxWorkers that grows on backlog and shrinks when
// workers sit idle.
type Session struct {
	id      string
	q       *queue.Queue
	handler Handler
	cfg     Config
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	live      atomic.Int32
	workerSeq atomic.Int64

	mu        sync.Mutex
	workerIDs map[string]struct{}
	stopped   bool
}

// Start launches a session consuming the queue with the given handler.
func Start(q *queue.Queue, handler Handler, cfg Config) (*Session, error) {
	if q == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "consumer requires a queue")
	}
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "consumer requires a handler")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		q:         q,
		handler:   handler,
		cfg:       cfg,
		logger:    cfg.Logger.WithField("queue", q.Name()),
		ctx:       ctx,
		cancel:    cancel,
		workerIDs: make(map[string]struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		s.spawn()
	}
	s.wg.Add(1)
	go s.supervise()

	s.logger.WithFields(logrus.Fields{
		"min_workers": cfg.MinWorkers,
		"max_workers": cfg.MaxWorkers,
		"prefetch":    cfg.Prefetch,
	}).Info("consumer started")
	return s, nil
}

// Workers returns the current pool size.
func (s *Session) Workers() int { return int(s.live.Load()) }

// Stop halts delivery, waits up to the grace period for in-flight handlers,
// then returns any still-held messages to the queue. Safe to call twice.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Warn("grace period expired with handlers still running")
	}

	// Anything a worker still holds goes back to the head of the queue so
	// the next consumer sees it first. Workers that finished cleanly hold
	// nothing; this is a no-op for them.
	s.mu.Lock()
	ids := make([]string, 0, len(s.workerIDs))
	for id := range s.workerIDs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	released := 0
	for _, id := range ids {
		released += s.q.ReleaseWorker(id)
	}
	if released > 0 {
		s.logger.WithField("released", released).Info("returned in-flight messages on shutdown")
	}
	s.logger.Info("consumer stopped")
}

// supervise grows the pool while the backlog outruns it.
func (s *Session) supervise() {
	defer s.wg.Done()
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		live := int(s.live.Load())
		if live >= s.cfg.MaxWorkers {
			continue
		}
		// One extra worker per full prefetch batch of backlog.
		if s.q.Depth() > live*s.cfg.Prefetch {
			s.spawn()
		}
	}
}

func (s *Session) spawn() {
	// Worker IDs embed the session identity: two sessions on the same queue
	// must never mint the same ID, or one session's shutdown would release
	// messages the other session's workers still hold.
	id := fmt.Sprintf("%s/%s/w%d", s.q.Name(), s.id, s.workerSeq.Add(1))
	s.mu.Lock()
	s.workerIDs[id] = struct{}{}
	s.mu.Unlock()

	s.live.Add(1)
	s.setWorkerGauge()
	s.wg.Add(1)
	go s.work(id)
}

func (s *Session) work(id string) {
	defer func() {
		s.live.Add(-1)
		s.setWorkerGauge()
		s.wg.Done()
	}()

	logger := s.logger.WithField("worker", id)
	for {
		// Bound the wait so an idle worker above the floor can retire.
		waitCtx, cancel := context.WithTimeout(s.ctx, idleTimeout)
		msg, err := s.q.Dequeue(waitCtx, id)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if int(s.live.Load()) > s.cfg.MinWorkers {
					logger.Debug("idle worker retiring")
					return
				}
				continue
			}
			// Queue closed underneath us.
			return
		}

		s.process(id, msg)
		for n := 1; n < s.cfg.Prefetch; n++ {
			extra, ok := s.q.TryDequeue(id)
			if !ok {
				break
			}
			s.process(id, extra)
		}
	}
}

func (s *Session) process(workerID string, msg *types.Message) {
	if s.cfg.AckMode == AckAuto {
		s.q.Ack(msg.ID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Acked.WithLabelValues(s.q.Name()).Inc()
		}
	}

	start := time.Now()
	disp := s.invoke(workerID, msg)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HandlerDuration.
			WithLabelValues(s.q.Name(), disp.String()).
			Observe(time.Since(start).Seconds())
	}

	if s.cfg.AckMode == AckAuto {
		return
	}

	switch disp {
	case Ack:
		s.q.Ack(msg.ID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Acked.WithLabelValues(s.q.Name()).Inc()
		}
	case RequeueRetry:
		if msg.RetryCount >= s.cfg.MaxRetries {
			s.logger.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"retries":    msg.RetryCount,
			}).Warn("retry budget spent, dead-lettering")
			s.q.Reject(msg.ID, types.ReasonRetriesExhausted)
			return
		}
		s.q.Requeue(msg.ID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Requeued.WithLabelValues(s.q.Name()).Inc()
		}
	case Reject:
		s.q.Reject(msg.ID, types.ReasonRejectedNoRequeue)
	}
}

// invoke runs the handler, converting a panic into a retryable failure.
func (s *Session) invoke(workerID string, msg *types.Message) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"worker":     workerID,
				"message_id": msg.ID,
				"panic":      r,
			}).Error("handler panicked")
			disp = RequeueRetry
		}
	}()
	return s.handler(msg)
}

func (s *Session) setWorkerGauge() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Workers.WithLabelValues(s.q.Name()).Set(float64(s.live.Load()))
	}
}
