// Package kafka wraps the franz-go client for gork's two broker operations:
// publishing a single key/value record and taking a bounded snapshot of a
// topic.
//
// # Components
//
//   - [Factory] turns flat client [config.Properties] (bootstrap.servers,
//     sasl.*, ssl.*, group.id, auto.offset.reset) into a franz-go client.
//     Construction performs no network I/O; franz-go dials lazily.
//
//   - [Publisher] sends one record and blocks until the broker acknowledges
//     or rejects it. By default every call builds and releases its own client.
//
//   - [Poller] subscribes a consumer group to a topic and polls until it has
//     collected Limit records, the broker reports an error, or the overall
//     deadline fires. The result is a [Batch] that never exceeds the limit.
//
// # Poll Termination
//
//	┌──────────────────────────────┬──────────────────────────────────────────┐
//	│ Poll result                  │ Action                                   │
//	├──────────────────────────────┼──────────────────────────────────────────┤
//	│ records                      │ append (arrival order), stop at limit    │
//	│ nothing within PollTimeout   │ stall: poll again                        │
//	│ broker/partition error       │ stop, Batch.Err = *PollSoftError         │
//	│ nothing, last dial failed    │ stop, Batch.Err = *PollSoftError         │
//	│ MaxWait elapsed / ctx done   │ stop, Batch.TimedOut = true              │
//	└──────────────────────────────┴──────────────────────────────────────────┘
//
// Every exit path commits consumed offsets (unless the group is ephemeral)
// and closes the client exactly once.
//
// # Thread Safety
//
// Factory, Publisher and Poller are safe for concurrent use. Each Poll call
// owns its consumer client; nothing about a poll session is shared.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a decoded key/value pair. Absent broker-side keys or values are
// represented as empty strings.
type Record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Batch is the bounded, ordered result of one Poll.
type Batch struct {
	// Records holds at most the requested limit, in arrival order.
	Records []Record

	// TimedOut is set when the overall deadline (or the caller's context)
	// ended the poll before the limit was reached.
	TimedOut bool

	// Err is set when a broker-reported error cut the poll short. It is a
	// *PollSoftError; the records gathered before it are still valid.
	Err error
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// OffsetPolicy selects where a consumer group without committed offsets
// starts reading.
type OffsetPolicy string

const (
	// Earliest replays from the start of the retained log.
	Earliest OffsetPolicy = "earliest"
	// Latest starts at the current end of the log.
	Latest OffsetPolicy = "latest"
)

// ParseOffsetPolicy parses "earliest" or "latest".
func ParseOffsetPolicy(s string) (OffsetPolicy, error) {
	switch OffsetPolicy(s) {
	case Earliest, Latest:
		return OffsetPolicy(s), nil
	default:
		return "", fmt.Errorf("offset policy must be earliest or latest, got %q", s)
	}
}

func (p OffsetPolicy) resetOffset() kgo.Offset {
	if p == Earliest {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AtEnd()
}

// client is the subset of *kgo.Client used by the Publisher and Poller.
// Tests substitute a fake through Factory.newClient.
type client interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

var _ client = (*kgo.Client)(nil)

// kgoLogger forwards franz-go's internal logging to slog.
type kgoLogger struct {
	logger *slog.Logger
	level  kgo.LogLevel
}

func (l kgoLogger) Level() kgo.LogLevel { return l.level }

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.logger.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, keyvals...)
	default:
		l.logger.Debug(msg, keyvals...)
	}
}

// connTracker remembers whether a client's most recent broker connection
// attempt failed. franz-go retries dials internally and never reports them
// through PollRecords, so the Poller consults it after an empty poll.
type connTracker struct {
	mu      sync.Mutex
	lastErr error
	addr    string
}

var _ kgo.HookBrokerConnect = (*connTracker)(nil)

func (t *connTracker) OnBrokerConnect(meta kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	t.addr = net.JoinHostPort(meta.Host, fmt.Sprint(meta.Port))
}

// dialError returns the failure of the latest connection attempt, or nil if
// it succeeded or none was made.
func (t *connTracker) dialError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr == nil {
		return nil
	}
	return fmt.Errorf("broker %s unreachable: %w", t.addr, t.lastErr)
}
