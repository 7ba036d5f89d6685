package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/routeq/routeq/pkg/config"
	"github.com/routeq/routeq/pkg/consumer"
	"github.com/routeq/routeq/pkg/deadletter"
	"github.com/routeq/routeq/pkg/exchange"
	"github.com/routeq/routeq/pkg/metrics"
	"github.com/routeq/routeq/pkg/queue"
	"github.com/routeq/routeq/pkg/serialization"
	"github.com/routeq/routeq/pkg/storage"
	"github.com/routeq/routeq/pkg/types"
)

// Options configures a Broker.
type Options struct {
	// DataDir is where durable queue journals live.
	DataDir string
	// Serialization selects the journal codec. Empty means CBOR.
	Serialization serialization.Type
	// JSONLibrary applies when Serialization is JSON.
	JSONLibrary serialization.JSONLibrary
	// Journal holds journal tuning knobs.
	Journal storage.Options
	// SweepInterval is how often the TTL sweeper runs. Zero means 1s.
	SweepInterval time.Duration

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// FromConfig converts a loaded configuration into broker options.
func FromConfig(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) Options {
	return Options{
		DataDir:       cfg.Storage.DataDir,
		Serialization: serialization.Type(cfg.Serialization.Type),
		JSONLibrary:   serialization.JSONLibrary(cfg.Serialization.JSONLibrary),
		Journal: storage.Options{
			SyncInterval:      cfg.Storage.SyncInterval,
			CompressThreshold: cfg.Storage.CompressThreshold,
		},
		SweepInterval: cfg.Broker.SweepInterval,
		Logger:        logger,
		Metrics:       m,
	}
}

// Broker ties routing, queue storage, dead-lettering, and consumption
// together behind one embeddable front door. Publish is fire-and-forget:
// a publish that matches no binding is dropped, logged, and counted, never
// an error.
type Broker struct {
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics

	registry *exchange.Registry
	router   *exchange.Router
	store    *queue.Store

	mu       sync.Mutex
	sessions []*consumer.Session
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a broker and starts its TTL sweeper.
func New(opts Options) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Serialization == "" {
		opts.Serialization = serialization.TypeCBOR
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Journal == (storage.Options{}) {
		opts.Journal = storage.DefaultOptions()
	}

	factory, err := serialization.NewFactory(opts.JSONLibrary)
	if err != nil {
		return nil, err
	}
	codec, err := factory.Get(opts.Serialization)
	if err != nil {
		return nil, err
	}

	registry := exchange.NewRegistry()
	router := exchange.NewRouter(registry)
	store := queue.NewStore(queue.StoreConfig{
		DataDir: opts.DataDir,
		Codec:   codec,
		Journal: opts.Journal,
		Logger:  opts.Logger,
	})
	store.SetDeadLetter(deadletter.NewPolicy(router, store, opts.Logger, opts.Metrics).Hook())

	b := &Broker{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		registry:  registry,
		router:    router,
		store:     store,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go b.sweep()
	return b, nil
}

// DeclareExchange registers an exchange. Redeclaring with the same kind is a
// no-op; a different kind is an error.
func (b *Broker) DeclareExchange(name string, kind types.ExchangeKind) error {
	return b.registry.Declare(name, kind)
}

// DeclareQueue registers a queue. Durable queues replay their journal.
func (b *Broker) DeclareQueue(name string, opts queue.Options) error {
	_, err := b.store.Declare(name, opts)
	return err
}

// Bind routes messages matching the pattern on the exchange to the queue.
// The queue must already be declared.
func (b *Broker) Bind(exchangeName, pattern, queueName string) error {
	if _, err := b.store.Get(queueName); err != nil {
		return err
	}
	return b.registry.Bind(exchangeName, pattern, queueName)
}

// Publish routes a payload through the named exchange. The returned message
// carries the generated ID; delivery to zero queues is not an error.
func (b *Broker) Publish(exchangeName, routingKey string, payload []byte, headers map[string]string) (*types.Message, error) {
	msg := types.NewMessage(routingKey, payload, headers)
	if err := b.PublishMessage(exchangeName, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PublishMessage routes a pre-built envelope through the named exchange.
// Each matched queue receives its own clone so per-queue delivery state
// never crosses queues.
func (b *Broker) PublishMessage(exchangeName string, msg *types.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return types.NewError(types.ErrCodeBrokerStopped, "publish on stopped broker")
	}

	targets, err := b.router.Route(exchangeName, msg.RoutingKey)
	if err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(exchangeName).Inc()
	}

	if len(targets) == 0 {
		if b.metrics != nil {
			b.metrics.RoutingMiss.WithLabelValues(exchangeName).Inc()
		}
		b.logger.WithFields(logrus.Fields{
			"exchange":    exchangeName,
			"routing_key": msg.RoutingKey,
			"message_id":  msg.ID,
		}).Warn("publish matched no binding")
		return nil
	}

	for _, target := range targets {
		if err := b.store.Enqueue(target, msg.Clone()); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.Routed.WithLabelValues(target).Inc()
		}
	}
	return nil
}

// Subscribe starts a consumer session on the named queue. The session runs
// until its Stop or the broker's Close.
func (b *Broker) Subscribe(queueName string, handler consumer.Handler, cfg consumer.Config) (*consumer.Session, error) {
	q, err := b.store.Get(queueName)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = b.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = b.metrics
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, types.NewError(types.ErrCodeBrokerStopped, "subscribe on stopped broker")
	}
	session, err := consumer.Start(q, handler, cfg)
	if err != nil {
		return nil, err
	}
	b.sessions = append(b.sessions, session)
	return session, nil
}

// ApplyTopology declares every exchange, queue, and binding in order.
// Idempotent declarations make this safe to run on every start.
func (b *Broker) ApplyTopology(t config.Topology) error {
	for _, e := range t.Exchanges {
		kind, err := types.ParseExchangeKind(e.Kind)
		if err != nil {
			return err
		}
		if err := b.DeclareExchange(e.Name, kind); err != nil {
			return err
		}
	}
	for _, q := range t.Queues {
		err := b.DeclareQueue(q.Name, queue.Options{
			Durable:              q.Durable,
			TTL:                  q.TTL,
			MaxLength:            q.MaxLength,
			DeadLetterExchange:   q.DeadLetterExchange,
			DeadLetterRoutingKey: q.DeadLetterRoutingKey,
		})
		if err != nil {
			return err
		}
	}
	for _, bd := range t.Bindings {
		if err := b.Bind(bd.Exchange, bd.Pattern, bd.Queue); err != nil {
			return err
		}
	}
	return nil
}

// Queue exposes a declared queue for direct inspection.
func (b *Broker) Queue(name string) (*queue.Queue, error) {
	return b.store.Get(name)
}

// Close stops consumers, then the sweeper, then flushes queue journals.
// In-flight messages are returned to their queues by the session stops, so
// durable queues journal them as ready for the next start.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	close(b.sweepStop)
	<-b.sweepDone

	err := b.store.Close()
	b.logger.Info("broker stopped")
	return err
}

// sweep expires due messages on a timer and refreshes depth gauges.
func (b *Broker) sweep() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
		}
		expired := b.store.SweepExpired(time.Now())
		if expired > 0 {
			b.logger.WithField("expired", expired).Debug("ttl sweep")
		}
		if b.metrics != nil {
			for _, name := range b.store.Names() {
				q, err := b.store.Get(name)
				if err != nil {
					continue
				}
				b.metrics.QueueDepth.WithLabelValues(name).Set(float64(q.Depth()))
				b.metrics.QueueInFlight.WithLabelValues(name).Set(float64(q.InFlight()))
			}
		}
	}
}
