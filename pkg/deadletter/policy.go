package deadletter

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/routeq/routeq/pkg/exchange"
	"github.com/routeq/routeq/pkg/metrics"
	"github.com/routeq/routeq/pkg/queue"
	"github.com/routeq/routeq/pkg/types"
)

// Policy re-publishes messages that terminally left a queue. The death is
// recorded on the message, then the message is routed through the queue's
// dead-letter exchange like any other publish. A queue without a dead-letter
// exchange, or a dead-letter publish that matches no binding, discards the
// message; the discard is logged and counted so it is never silent.
type Policy struct {
	router  *exchange.Router
	store   *queue.Store
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewPolicy wires a dead-letter policy over the broker's router and store.
func NewPolicy(router *exchange.Router, store *queue.Store, logger *logrus.Logger, m *metrics.Metrics) *Policy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Policy{router: router, store: store, logger: logger, metrics: m}
}

// Hook adapts the policy to the queue store's dead-letter callback.
func (p *Policy) Hook() queue.DeadLetterFunc {
	return p.Handle
}

// Handle processes one dead message from the named origin queue.
func (p *Policy) Handle(queueName string, opts queue.Options, msg *types.Message, reason types.DeathReason) {
	msg.RecordDeath(queueName, reason, time.Now())
	if p.metrics != nil {
		p.metrics.DeadLetter.WithLabelValues(queueName, string(reason)).Inc()
	}

	fields := logrus.Fields{
		"queue":       queueName,
		"message_id":  msg.ID,
		"routing_key": msg.RoutingKey,
		"reason":      reason,
	}

	if opts.DeadLetterExchange == "" {
		p.logger.WithFields(fields).Warn("message discarded: queue has no dead-letter exchange")
		return
	}

	routingKey := opts.DeadLetterRoutingKey
	if routingKey == "" {
		routingKey = msg.RoutingKey
	}
	fields["dlx"] = opts.DeadLetterExchange
	fields["dlx_routing_key"] = routingKey

	targets, err := p.router.Route(opts.DeadLetterExchange, routingKey)
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Error("message discarded: dead-letter exchange unresolved")
		return
	}
	if len(targets) == 0 {
		p.logger.WithFields(fields).Warn("message discarded: dead-letter routing matched no queue")
		return
	}

	// Each target queue gets its own clone; the dead-letter copy keeps the
	// original routing key so its provenance stays readable downstream.
	for _, target := range targets {
		clone := msg.Clone()
		if err := p.store.Enqueue(target, clone); err != nil {
			p.logger.WithFields(fields).WithField("dead_letter_queue", target).
				WithError(err).Error("dead-letter enqueue failed")
			continue
		}
		if p.metrics != nil {
			p.metrics.Routed.WithLabelValues(target).Inc()
		}
		p.logger.WithFields(fields).WithField("dead_letter_queue", target).Debug("message dead-lettered")
	}
}
