// Package bridge maps gork's inbound operations onto the Kafka publisher and
// bounded poller.
//
// The bridge owns no business logic beyond parameter selection: every
// operation targets the configured topic; "recent" reads use the latest offset
// policy under the recent group id, "old" reads use the earliest policy under
// the old group id. Results are shaped for the HTML and JSON renderers in
// package web.
//
// # Consumer Groups
//
// By default both group ids are fixed, so the broker remembers how far each
// has read: repeated "old" reads walk forward through the log, and "recent"
// reads only return records produced after the recent group first attached
// (not the newest N records of the topic). With ephemeral groups enabled every
// read uses a fresh, uncommitted group id and therefore starts from the
// policy's reset position each time.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/kafka"
)

// Publisher sends one record and waits for the broker's acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
}

// Poller takes a bounded snapshot of a topic.
type Poller interface {
	Poll(ctx context.Context, req kafka.PollRequest) (kafka.Batch, error)
}

var (
	_ Publisher = (*kafka.Publisher)(nil)
	_ Poller    = (*kafka.Poller)(nil)
)

// Options selects the topic, limit, timing and group ids used by every
// operation.
type Options struct {
	Topic           string
	Limit           int
	PollTimeout     time.Duration
	MaxWait         time.Duration
	RecentGroupID   string
	OldGroupID      string
	EphemeralGroups bool
}

// OptionsFromConfig derives Options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topic:           cfg.Kafka.Topic,
		Limit:           cfg.Consumer.Limit,
		PollTimeout:     cfg.Consumer.PollTimeout.Duration,
		MaxWait:         cfg.Consumer.MaxWaitValue(),
		RecentGroupID:   cfg.Consumer.RecentGroupID,
		OldGroupID:      cfg.Consumer.OldGroupID,
		EphemeralGroups: cfg.Consumer.EphemeralGroups,
	}
}

// ProduceResult is the response payload of a produce operation.
type ProduceResult struct {
	Message string `json:"message"`
}

// ConsumeResult is the response payload of a consume operation. Messages is
// never nil so it always renders as a JSON array.
type ConsumeResult struct {
	Messages []kafka.Record `json:"messages"`
	// TimedOut reports that the retrieval deadline ended the read early.
	TimedOut bool `json:"timed_out,omitempty"`
	// Error carries the broker error that truncated the batch, if any.
	Error string `json:"error,omitempty"`
}

// Service implements the inbound operations.
type Service struct {
	publisher Publisher
	poller    Poller
	opts      Options
	logger    *slog.Logger
	newID     func() string
}

// NewService creates a Service. Zero-valued options fall back to the config
// package defaults.
func NewService(publisher Publisher, poller Poller, opts Options, logger *slog.Logger) *Service {
	if opts.Topic == "" {
		opts.Topic = config.DefaultTopic
	}
	if opts.Limit == 0 {
		opts.Limit = config.DefaultLimit
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = config.DefaultPollTimeout
	}
	if opts.RecentGroupID == "" {
		opts.RecentGroupID = config.DefaultRecentGroupID
	}
	if opts.OldGroupID == "" {
		opts.OldGroupID = config.DefaultOldGroupID
	}
	return &Service{
		publisher: publisher,
		poller:    poller,
		opts:      opts,
		logger:    logger.With("component", "bridge", "topic", opts.Topic),
		newID:     uuid.NewString,
	}
}

// Topic returns the topic every operation targets.
func (s *Service) Topic() string {
	return s.opts.Topic
}

// Produce publishes key/value to the configured topic. Errors are
// *kafka.PublishError values and are not retried.
func (s *Service) Produce(ctx context.Context, key, value string) (ProduceResult, error) {
	if err := s.publisher.Publish(ctx, s.opts.Topic, key, value); err != nil {
		return ProduceResult{}, err
	}
	s.logger.Info("record produced", "key", key)
	return ProduceResult{Message: fmt.Sprintf("Produced: %s -> %s", key, value)}, nil
}

// ConsumeRecent returns records produced since the recent group's last read.
func (s *Service) ConsumeRecent(ctx context.Context) (ConsumeResult, error) {
	return s.consume(ctx, kafka.Latest, s.opts.RecentGroupID)
}

// ConsumeOld returns records from the start of the retained log (or from
// where the old group left off).
func (s *Service) ConsumeOld(ctx context.Context) (ConsumeResult, error) {
	return s.consume(ctx, kafka.Earliest, s.opts.OldGroupID)
}

func (s *Service) consume(ctx context.Context, policy kafka.OffsetPolicy, groupID string) (ConsumeResult, error) {
	if s.opts.EphemeralGroups {
		groupID = groupID + "-" + s.newID()
	}

	batch, err := s.poller.Poll(ctx, kafka.PollRequest{
		Topic:       s.opts.Topic,
		GroupID:     groupID,
		Policy:      policy,
		Limit:       s.opts.Limit,
		PollTimeout: s.opts.PollTimeout,
		MaxWait:     s.opts.MaxWait,
		Ephemeral:   s.opts.EphemeralGroups,
	})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("polling %s: %w", s.opts.Topic, err)
	}

	res := ConsumeResult{
		Messages: batch.Records,
		TimedOut: batch.TimedOut,
	}
	if res.Messages == nil {
		res.Messages = []kafka.Record{}
	}
	if batch.Err != nil {
		res.Error = batch.Err.Error()
	}
	return res, nil
}
