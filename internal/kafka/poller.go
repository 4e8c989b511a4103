package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/observability"
)

// commitTimeout bounds the offset commit performed during teardown. It runs
// on its own context so a poll that ended on its deadline can still commit.
const commitTimeout = 5 * time.Second

// PollRequest parameterizes one bounded poll session.
type PollRequest struct {
	Topic   string
	GroupID string
	Policy  OffsetPolicy

	// Limit caps the batch size. Zero returns an empty batch without
	// contacting the broker.
	Limit int

	// PollTimeout is the wait budget of a single poll attempt. Defaults to
	// one second.
	PollTimeout time.Duration

	// MaxWait bounds the whole session. Zero means no bound: a quiet topic
	// keeps the session polling until Limit records arrive, a broker error
	// occurs (including an unreachable broker), or ctx is cancelled.
	MaxWait time.Duration

	// Ephemeral marks a single-use group id. Offsets are not committed on
	// teardown because nothing will resume from them.
	Ephemeral bool
}

func (r *PollRequest) validate() error {
	if r.Topic == "" {
		return &ConfigError{Key: "topic", Reason: "is required"}
	}
	if r.GroupID == "" {
		return &ConfigError{Key: PropGroupID, Reason: "is required"}
	}
	if _, err := ParseOffsetPolicy(string(r.Policy)); err != nil {
		return &ConfigError{Key: PropAutoOffsetReset, Reason: err.Error()}
	}
	if r.Limit < 0 {
		return fmt.Errorf("poll limit must not be negative, got %d", r.Limit)
	}
	if r.MaxWait < 0 {
		return fmt.Errorf("poll max wait must not be negative, got %v", r.MaxWait)
	}
	if r.PollTimeout <= 0 {
		r.PollTimeout = config.DefaultPollTimeout
	}
	return nil
}

// Poller takes bounded snapshots of a topic. Each Poll runs its own consumer
// session: join the group, poll, commit, leave.
type Poller struct {
	factory *Factory
	props   config.Properties
	logger  *slog.Logger
}

// NewPoller creates a Poller that connects using props. The group.id and
// auto.offset.reset of each PollRequest are layered over props per call.
func NewPoller(factory *Factory, props config.Properties, logger *slog.Logger) *Poller {
	return &Poller{
		factory: factory,
		props:   props,
		logger:  logger.With("component", "kafka-poller"),
	}
}

// Poll collects up to req.Limit records from req.Topic.
//
// The returned error is non-nil only when the session could not be started
// (invalid request or client configuration). Broker errors during polling
// end the session early and are reported through Batch.Err; an expired
// MaxWait or a cancelled ctx is reported through Batch.TimedOut. In every
// case the records gathered so far are returned.
func (p *Poller) Poll(ctx context.Context, req PollRequest) (Batch, error) {
	if err := req.validate(); err != nil {
		return Batch{}, err
	}

	start := time.Now()
	batch := Batch{Records: make([]Record, 0, req.Limit)}
	logger := p.logger.With("topic", req.Topic, "group", req.GroupID, "policy", req.Policy)

	if req.Limit == 0 {
		observability.Metrics.PollTotal.WithLabelValues(string(req.Policy), "empty_limit").Inc()
		return batch, nil
	}

	props := p.props.
		With(PropGroupID, req.GroupID).
		With(PropAutoOffsetReset, string(req.Policy))

	conns := &connTracker{}
	cl, err := p.factory.newConsumer(props, req.Topic, conns)
	if err != nil {
		return Batch{}, err
	}
	defer p.teardown(cl, req, logger)

	if req.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.MaxWait)
		defer cancel()
	}

	polls := p.collect(ctx, cl, conns, req, &batch)

	outcome := "complete"
	switch {
	case batch.Err != nil:
		outcome = "soft_error"
		logger.Warn("poll ended by broker error", "error", batch.Err, "records", batch.Len())
	case batch.TimedOut:
		outcome = "timed_out"
		logger.Info("poll deadline reached before limit", "records", batch.Len(), "limit", req.Limit)
	}

	policy := string(req.Policy)
	observability.Metrics.PollTotal.WithLabelValues(policy, outcome).Inc()
	observability.Metrics.PollRecordsTotal.WithLabelValues(policy).Add(float64(batch.Len()))
	observability.Metrics.PollDuration.WithLabelValues(policy).Observe(time.Since(start).Seconds())

	logger.Debug("poll finished",
		"outcome", outcome,
		"records", batch.Len(),
		"polls", polls,
		"duration", time.Since(start),
	)
	return batch, nil
}

// collect runs the poll loop and returns the number of poll attempts.
func (p *Poller) collect(ctx context.Context, cl client, conns *connTracker, req PollRequest, batch *Batch) int {
	polls := 0
	for len(batch.Records) < req.Limit {
		if ctx.Err() != nil {
			batch.TimedOut = true
			return polls
		}

		pollCtx, cancel := context.WithTimeout(ctx, req.PollTimeout)
		fetches := cl.PollRecords(pollCtx, req.Limit-len(batch.Records))
		cancel()
		polls++

		if fetches.IsClientClosed() {
			batch.Err = &PollSoftError{Err: kgo.ErrClientClosed}
			return polls
		}

		softErr := firstBrokerError(fetches)

		before := len(batch.Records)
		fetches.EachRecord(func(r *kgo.Record) {
			if len(batch.Records) < req.Limit {
				batch.Records = append(batch.Records, decodeRecord(r))
			}
		})

		if softErr != nil {
			batch.Err = softErr
			return polls
		}
		// An empty poll after a failed dial is a transport failure, not a stall.
		if len(batch.Records) == before {
			if dialErr := conns.dialError(); dialErr != nil {
				batch.Err = &PollSoftError{Err: dialErr}
				return polls
			}
		}
	}
	return polls
}

// firstBrokerError returns the first fetch error that is not a context
// expiry. Context errors only mean the poll budget or overall deadline ran
// out; the loop handles those itself.
func firstBrokerError(fetches kgo.Fetches) error {
	var softErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if softErr != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		softErr = &PollSoftError{Topic: topic, Partition: partition, Err: err}
	})
	return softErr
}

func decodeRecord(r *kgo.Record) Record {
	var rec Record
	if r.Key != nil {
		rec.Key = string(r.Key)
	}
	if r.Value != nil {
		rec.Value = string(r.Value)
	}
	return rec
}

// teardown commits what this session consumed (for durable groups) and
// closes the client. It runs exactly once per started session.
func (p *Poller) teardown(cl client, req PollRequest, logger *slog.Logger) {
	if !req.Ephemeral {
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		if err := cl.CommitUncommittedOffsets(ctx); err != nil {
			logger.Warn("committing offsets on teardown failed", "error", err)
		}
		cancel()
	}
	closeClient(cl, "consumer")
}
