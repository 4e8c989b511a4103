package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/observability"
)

// Publisher sends single records to Kafka and waits for the broker's
// acknowledgement.
//
// By default each Publish builds its own producer client and closes it before
// returning, so no connection outlives the request. WithPooledClient switches
// to one lazily-built client shared by all calls and released by Close.
type Publisher struct {
	factory *Factory
	props   config.Properties
	timeout time.Duration
	pooled  bool
	logger  *slog.Logger

	mu     sync.Mutex
	shared client
}

// PublisherOption is a functional option for configuring the Publisher.
type PublisherOption func(*Publisher)

// WithProduceTimeout bounds how long Publish waits for an acknowledgement.
func WithProduceTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPooledClient keeps one producer client open across Publish calls.
func WithPooledClient(pooled bool) PublisherOption {
	return func(p *Publisher) {
		p.pooled = pooled
	}
}

// NewPublisher creates a Publisher that connects using props.
func NewPublisher(factory *Factory, props config.Properties, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		factory: factory,
		props:   props,
		timeout: config.DefaultProduceTimeout,
		logger:  logger.With("component", "kafka-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends one record with the given key and value to topic and blocks
// until the broker acknowledges it, reports a delivery failure, the produce
// timeout expires, or ctx is cancelled.
//
// Key and value are sent as their UTF-8 bytes. An empty key is sent as an
// empty, non-null key so it reads back as "".
//
// Every failure is returned as a *PublishError. A client configuration
// problem additionally matches errors.Is(err, ErrConfig).
func (p *Publisher) Publish(ctx context.Context, topic, key, value string) error {
	start := time.Now()

	err := p.publish(ctx, topic, key, value)

	observability.Metrics.PublishDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.Metrics.PublishTotal.WithLabelValues(topic, "error").Inc()
		p.logger.Error("publish failed", "topic", topic, "error", err)
		return err
	}
	observability.Metrics.PublishTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic, key, value string) error {
	if topic == "" {
		return &PublishError{Topic: topic, Err: &ConfigError{Key: "topic", Reason: "is required"}}
	}

	cl, release, err := p.acquire()
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: []byte(value),
	}

	results := cl.ProduceSync(ctx, rec)
	if err := results.FirstErr(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("publish timed out waiting for acknowledgement", "topic", topic, "timeout", p.timeout)
		}
		return &PublishError{Topic: topic, Err: err}
	}

	if len(results) > 0 && results[0].Record != nil {
		p.logger.Debug("message produced",
			"topic", topic,
			"partition", results[0].Record.Partition,
			"offset", results[0].Record.Offset,
		)
	}
	return nil
}

// acquire returns the client for one Publish and the func that releases it.
func (p *Publisher) acquire() (client, func(), error) {
	if !p.pooled {
		cl, err := p.factory.newProducer(p.props)
		if err != nil {
			return nil, nil, err
		}
		return cl, func() { closeClient(cl, "producer") }, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared == nil {
		cl, err := p.factory.newProducer(p.props)
		if err != nil {
			return nil, nil, err
		}
		p.shared = cl
	}
	return p.shared, func() {}, nil
}

// Close releases the pooled client, if any. It is a no-op for per-call
// publishers and safe to call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared != nil {
		closeClient(p.shared, "producer")
		p.shared = nil
	}
}

func closeClient(cl client, role string) {
	cl.Close()
	observability.Metrics.ClientCloseTotal.WithLabelValues(role).Inc()
}
