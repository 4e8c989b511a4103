package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/kafka"
)

func testBridgeLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type publishCall struct {
	topic, key, value string
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key, value string) error {
	f.calls = append(f.calls, publishCall{topic, key, value})
	return f.err
}

type fakePoller struct {
	requests []kafka.PollRequest
	batch    kafka.Batch
	err      error
}

func (f *fakePoller) Poll(ctx context.Context, req kafka.PollRequest) (kafka.Batch, error) {
	f.requests = append(f.requests, req)
	return f.batch, f.err
}

func TestProduce(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewService(pub, &fakePoller{}, Options{}, testBridgeLogger())

	res, err := svc.Produce(context.Background(), "k", "v")
	require.NoError(t, err)

	assert.Equal(t, "Produced: k -> v", res.Message)
	assert.Equal(t, []publishCall{{"topic_0", "k", "v"}}, pub.calls)
}

func TestProduceError(t *testing.T) {
	pubErr := &kafka.PublishError{Topic: "topic_0", Err: errors.New("broker down")}
	svc := NewService(&fakePublisher{err: pubErr}, &fakePoller{}, Options{}, testBridgeLogger())

	_, err := svc.Produce(context.Background(), "k", "v")
	var got *kafka.PublishError
	assert.ErrorAs(t, err, &got)
}

func TestConsumeSelectsPolicyAndGroup(t *testing.T) {
	poll := &fakePoller{}
	opts := Options{
		Topic:         "orders",
		Limit:         7,
		PollTimeout:   250 * time.Millisecond,
		MaxWait:       5 * time.Second,
		RecentGroupID: "recent",
		OldGroupID:    "old",
	}
	svc := NewService(&fakePublisher{}, poll, opts, testBridgeLogger())

	_, err := svc.ConsumeRecent(context.Background())
	require.NoError(t, err)
	_, err = svc.ConsumeOld(context.Background())
	require.NoError(t, err)

	require.Len(t, poll.requests, 2)
	assert.Equal(t, kafka.PollRequest{
		Topic: "orders", GroupID: "recent", Policy: kafka.Latest,
		Limit: 7, PollTimeout: 250 * time.Millisecond, MaxWait: 5 * time.Second,
	}, poll.requests[0])
	assert.Equal(t, kafka.Earliest, poll.requests[1].Policy)
	assert.Equal(t, "old", poll.requests[1].GroupID)
	assert.False(t, poll.requests[1].Ephemeral)
}

func TestConsumeDefaults(t *testing.T) {
	poll := &fakePoller{}
	svc := NewService(&fakePublisher{}, poll, Options{}, testBridgeLogger())

	_, err := svc.ConsumeOld(context.Background())
	require.NoError(t, err)

	req := poll.requests[0]
	assert.Equal(t, "topic_0", req.Topic)
	assert.Equal(t, 10, req.Limit)
	assert.Equal(t, time.Second, req.PollTimeout)
}

func TestConsumeEphemeralGroups(t *testing.T) {
	poll := &fakePoller{}
	svc := NewService(&fakePublisher{}, poll, Options{EphemeralGroups: true}, testBridgeLogger())

	_, _ = svc.ConsumeRecent(context.Background())
	_, _ = svc.ConsumeRecent(context.Background())

	require.Len(t, poll.requests, 2)
	first, second := poll.requests[0], poll.requests[1]
	assert.True(t, strings.HasPrefix(first.GroupID, config.DefaultRecentGroupID+"-"))
	assert.NotEqual(t, first.GroupID, second.GroupID)
	assert.True(t, first.Ephemeral)
}

func TestConsumeShapesResult(t *testing.T) {
	poll := &fakePoller{batch: kafka.Batch{
		Records:  []kafka.Record{{Key: "a", Value: "1"}},
		TimedOut: true,
		Err:      &kafka.PollSoftError{Topic: "topic_0", Err: errors.New("leader moved")},
	}}
	svc := NewService(&fakePublisher{}, poll, Options{}, testBridgeLogger())

	res, err := svc.ConsumeOld(context.Background())
	require.NoError(t, err, "soft errors are not failures")

	assert.Equal(t, []kafka.Record{{Key: "a", Value: "1"}}, res.Messages)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "leader moved")
}

func TestConsumeEmptyBatchRendersArray(t *testing.T) {
	svc := NewService(&fakePublisher{}, &fakePoller{}, Options{}, testBridgeLogger())

	res, err := svc.ConsumeRecent(context.Background())
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(data))
}

func TestConsumeHardError(t *testing.T) {
	poll := &fakePoller{err: &kafka.ConfigError{Key: "bootstrap.servers", Reason: "is required"}}
	svc := NewService(&fakePublisher{}, poll, Options{}, testBridgeLogger())

	_, err := svc.ConsumeOld(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, kafka.ErrConfig)
}

func TestOptionsFromConfig(t *testing.T) {
	maxWait := config.Duration{Duration: 0}
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Topic: "t"},
		Consumer: config.ConsumerConfig{
			Limit:           3,
			PollTimeout:     config.Duration{Duration: 2 * time.Second},
			MaxWait:         &maxWait,
			RecentGroupID:   "r",
			OldGroupID:      "o",
			EphemeralGroups: true,
		},
	}

	assert.Equal(t, Options{
		Topic:           "t",
		Limit:           3,
		PollTimeout:     2 * time.Second,
		MaxWait:         0,
		RecentGroupID:   "r",
		OldGroupID:      "o",
		EphemeralGroups: true,
	}, OptionsFromConfig(cfg))
}
