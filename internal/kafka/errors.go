package kafka

import (
	"errors"
	"fmt"
)

// ErrConfig is matched (via errors.Is) by every *ConfigError.
var ErrConfig = errors.New("invalid kafka client configuration")

// ConfigError reports a missing or malformed client property. It is fatal to
// the operation that needed the client.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrConfig, e.Key, e.Reason)
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// PublishError reports a failed publish: client construction, delivery
// rejection by the broker, or the produce timeout expiring.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// PollSoftError is a broker-reported error observed mid-poll. It truncates
// the batch instead of failing the poll.
type PollSoftError struct {
	Topic     string
	Partition int32
	Err       error
}

func (e *PollSoftError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("poll interrupted: %v", e.Err)
	}
	return fmt.Sprintf("poll interrupted on %s[%d]: %v", e.Topic, e.Partition, e.Err)
}

func (e *PollSoftError) Unwrap() error {
	return e.Err
}
