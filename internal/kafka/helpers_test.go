package kafka

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/gork/internal/config"
)

func testKafkaLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testProps() config.Properties {
	return config.NewProperties(PropBootstrapServers, "localhost:9092")
}

// fakeBroker is an in-memory single-partition log per topic with committed
// group offsets. It hands out fakeClients through Factory.newClient.
type fakeBroker struct {
	mu        sync.Mutex
	logs      map[string][]*kgo.Record
	committed map[string]int // group/topic -> next offset
	clients   []*fakeClient

	produceErr   error
	blockProduce bool
	// scripts are handed, in order, to the next consumer clients created.
	scripts [][]kgo.Fetches
	// dials are reported, in order, to each consumer's connect hooks when
	// it is created. A nil entry is a successful connection.
	dials []error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		logs:      make(map[string][]*kgo.Record),
		committed: make(map[string]int),
	}
}

// factory returns a Factory wired to this broker.
func (b *fakeBroker) factory() *Factory {
	f := NewFactory(testKafkaLogger())
	f.newClient = b.newClient
	return f
}

func (b *fakeBroker) newClient(spec clientSpec) (client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &fakeClient{broker: b, role: spec.role, topic: spec.topic}
	if spec.role == "consumer" {
		c.group = spec.props.Get(PropGroupID)
		if off, ok := b.committed[c.group+"/"+c.topic]; ok {
			c.pos = off
		} else if spec.props.Get(PropAutoOffsetReset) == string(Earliest) {
			c.pos = 0
		} else {
			c.pos = len(b.logs[c.topic])
		}
		if len(b.scripts) > 0 {
			c.script = b.scripts[0]
			b.scripts = b.scripts[1:]
		}
		for _, h := range spec.hooks {
			if hook, ok := h.(kgo.HookBrokerConnect); ok {
				for _, err := range b.dials {
					hook.OnBrokerConnect(kgo.BrokerMetadata{Host: "127.0.0.1", Port: 1}, 0, nil, err)
				}
			}
		}
	}
	b.clients = append(b.clients, c)
	return c, nil
}

func (b *fakeBroker) append(topic, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[topic] = append(b.logs[topic], &kgo.Record{
		Topic:  topic,
		Key:    []byte(key),
		Value:  []byte(value),
		Offset: int64(len(b.logs[topic])),
	})
}

func (b *fakeBroker) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs[topic])
}

func (b *fakeBroker) allClients() []*fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeClient, len(b.clients))
	copy(out, b.clients)
	return out
}

type fakeClient struct {
	broker *fakeBroker
	role   string
	topic  string
	group  string
	pos    int
	script []kgo.Fetches

	commits int
	closes  int
}

func (c *fakeClient) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	b := c.broker
	if b.blockProduce {
		<-ctx.Done()
		return kgo.ProduceResults{{Record: rs[0], Err: ctx.Err()}}
	}

	var results kgo.ProduceResults
	for _, r := range rs {
		if b.produceErr != nil {
			results = append(results, kgo.ProduceResult{Record: r, Err: b.produceErr})
			continue
		}
		b.mu.Lock()
		r.Offset = int64(len(b.logs[r.Topic]))
		b.logs[r.Topic] = append(b.logs[r.Topic], r)
		b.mu.Unlock()
		results = append(results, kgo.ProduceResult{Record: r})
	}
	return results
}

func (c *fakeClient) PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches {
	if len(c.script) > 0 {
		f := c.script[0]
		c.script = c.script[1:]
		if f != nil {
			return f
		}
		<-ctx.Done()
		return kgo.NewErrFetch(ctx.Err())
	}

	for {
		b := c.broker
		b.mu.Lock()
		log := b.logs[c.topic]
		if c.pos < len(log) {
			end := len(log)
			if maxPollRecords > 0 && c.pos+maxPollRecords < end {
				end = c.pos + maxPollRecords
			}
			recs := append([]*kgo.Record(nil), log[c.pos:end]...)
			c.pos = end
			b.mu.Unlock()
			return recordFetch(c.topic, recs...)
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return kgo.NewErrFetch(ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *fakeClient) CommitUncommittedOffsets(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.commits++
	c.broker.committed[c.group+"/"+c.topic] = c.pos
	return nil
}

func (c *fakeClient) Close() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closes++
}

func recordFetch(topic string, recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: recs}},
	}}}}
}

func errorFetch(topic string, err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Err: err}},
	}}}}
}

func rec(key, value string) *kgo.Record {
	return &kgo.Record{Key: []byte(key), Value: []byte(value)}
}
