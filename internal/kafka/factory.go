package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/RaikaSurendra/gork/internal/config"
	"github.com/RaikaSurendra/gork/internal/observability"
)

// Client property keys understood by the Factory. Names follow the
// librdkafka / Confluent client.properties convention.
const (
	PropBootstrapServers = "bootstrap.servers"
	PropClientID         = "client.id"
	PropSecurityProtocol = "security.protocol"
	PropSASLMechanism    = "sasl.mechanism"
	PropSASLMechanisms   = "sasl.mechanisms"
	PropSASLUsername     = "sasl.username"
	PropSASLPassword     = "sasl.password"
	PropSSLCALocation    = "ssl.ca.location"
	PropAcks             = "acks"
	PropCompressionType  = "compression.type"
	PropGroupID          = "group.id"
	PropAutoOffsetReset  = "auto.offset.reset"
	PropSessionTimeoutMS = "session.timeout.ms"
)

var knownProps = map[string]bool{
	PropBootstrapServers: true,
	PropClientID:         true,
	PropSecurityProtocol: true,
	PropSASLMechanism:    true,
	PropSASLMechanisms:   true,
	PropSASLUsername:     true,
	PropSASLPassword:     true,
	PropSSLCALocation:    true,
	PropAcks:             true,
	PropCompressionType:  true,
	PropGroupID:          true,
	PropAutoOffsetReset:  true,
	PropSessionTimeoutMS: true,
}

// Factory builds franz-go clients from client properties. The zero value is
// not usable; call NewFactory.
type Factory struct {
	logger    *slog.Logger
	newClient func(spec clientSpec) (client, error)
}

// clientSpec is everything the Factory resolved for one client.
type clientSpec struct {
	role  string // "producer" or "consumer"
	props config.Properties
	topic string
	opts  []kgo.Opt
	hooks []kgo.Hook
}

// NewFactory creates a Factory whose clients log through logger.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{
		logger: logger.With("component", "kafka-factory"),
		newClient: func(spec clientSpec) (client, error) {
			return kgo.NewClient(spec.opts...)
		},
	}
}

// CheckProperties reports whether props can build a client, without building
// one or dialing a broker. Consumer group settings are injected per poll and
// are not checked here.
func (f *Factory) CheckProperties(props config.Properties) error {
	if _, err := f.baseOpts(props); err != nil {
		return err
	}
	_, err := producerOpts(props)
	return err
}

// newProducer builds a producer client. The caller must Close it.
func (f *Factory) newProducer(props config.Properties) (client, error) {
	opts, err := f.baseOpts(props)
	if err != nil {
		return nil, err
	}

	prodOpts, err := producerOpts(props)
	if err != nil {
		return nil, err
	}
	opts = append(opts, prodOpts...)

	cl, err := f.newClient(clientSpec{role: "producer", props: props, opts: opts})
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer client: %w", err)
	}
	observability.Metrics.ClientOpenTotal.WithLabelValues("producer").Inc()
	return cl, nil
}

// newConsumer builds a consumer client that joins the group named by
// group.id and subscribes to topic. Auto-commit is disabled; the Poller
// commits explicitly on teardown. hooks are attached to the client. The caller
// must Close it.
func (f *Factory) newConsumer(props config.Properties, topic string, hooks ...kgo.Hook) (client, error) {
	if topic == "" {
		return nil, &ConfigError{Key: "topic", Reason: "is required"}
	}

	opts, err := f.baseOpts(props)
	if err != nil {
		return nil, err
	}

	consOpts, err := consumerOpts(props)
	if err != nil {
		return nil, err
	}
	opts = append(opts, consOpts...)
	opts = append(opts, kgo.ConsumeTopics(topic))
	if len(hooks) > 0 {
		opts = append(opts, kgo.WithHooks(hooks...))
	}

	cl, err := f.newClient(clientSpec{role: "consumer", props: props, topic: topic, opts: opts, hooks: hooks})
	if err != nil {
		return nil, fmt.Errorf("creating Kafka consumer client: %w", err)
	}
	observability.Metrics.ClientOpenTotal.WithLabelValues("consumer").Inc()
	return cl, nil
}

// baseOpts translates the connection properties shared by producers and
// consumers.
func (f *Factory) baseOpts(props config.Properties) ([]kgo.Opt, error) {
	servers := splitList(props.Get(PropBootstrapServers))
	if len(servers) == 0 {
		return nil, &ConfigError{Key: PropBootstrapServers, Reason: "is required"}
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(servers...),
		kgo.WithLogger(kgoLogger{logger: f.logger, level: kgo.LogLevelWarn}),
	}

	if id := props.Get(PropClientID); id != "" {
		opts = append(opts, kgo.ClientID(id))
	}

	secOpts, err := securityOpts(props)
	if err != nil {
		return nil, err
	}
	opts = append(opts, secOpts...)

	for _, k := range props.Keys() {
		if !knownProps[k] {
			f.logger.Debug("ignoring unsupported client property", "key", k)
		}
	}

	return opts, nil
}

// securityOpts maps security.protocol plus the sasl.* and ssl.* keys.
func securityOpts(props config.Properties) ([]kgo.Opt, error) {
	protocol := strings.ToUpper(props.Get(PropSecurityProtocol))
	if protocol == "" {
		protocol = "PLAINTEXT"
	}

	var useTLS, useSASL bool
	switch protocol {
	case "PLAINTEXT":
	case "SSL":
		useTLS = true
	case "SASL_PLAINTEXT":
		useSASL = true
	case "SASL_SSL":
		useTLS, useSASL = true, true
	default:
		return nil, &ConfigError{Key: PropSecurityProtocol, Reason: fmt.Sprintf("must be PLAINTEXT, SSL, SASL_PLAINTEXT, or SASL_SSL, got %q", protocol)}
	}

	var opts []kgo.Opt
	if useTLS {
		tlsCfg, err := loadTLSConfig(props.Get(PropSSLCALocation))
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	if useSASL {
		mech, err := saslMechanism(props)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	return opts, nil
}

func saslMechanism(props config.Properties) (sasl.Mechanism, error) {
	name := props.Get(PropSASLMechanism)
	if name == "" {
		name = props.Get(PropSASLMechanisms)
	}
	name = strings.ToUpper(name)
	if name == "" {
		name = "PLAIN"
	}

	user, pass := props.Get(PropSASLUsername), props.Get(PropSASLPassword)
	if user == "" || pass == "" {
		return nil, &ConfigError{Key: PropSASLUsername, Reason: "and sasl.password are required for SASL"}
	}

	switch name {
	case "PLAIN":
		return plain.Auth{User: user, Pass: pass}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: user, Pass: pass}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: user, Pass: pass}.AsSha512Mechanism(), nil
	default:
		return nil, &ConfigError{Key: PropSASLMechanism, Reason: fmt.Sprintf("must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512, got %q", name)}
	}
}

// loadTLSConfig returns a TLS config trusting the system roots plus, when
// caFile is set, the certificates in that PEM bundle.
func loadTLSConfig(caFile string) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return tlsCfg, nil
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, &ConfigError{Key: PropSSLCALocation, Reason: fmt.Sprintf("cannot be read: %v", err)}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, &ConfigError{Key: PropSSLCALocation, Reason: "contains no PEM certificates"}
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func producerOpts(props config.Properties) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.RecordRetries(5),
		kgo.ProducerBatchMaxBytes(1 << 20), // 1 MiB
	}

	switch strings.ToLower(props.Get(PropAcks)) {
	case "", "all", "-1":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "1":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "0":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, &ConfigError{Key: PropAcks, Reason: fmt.Sprintf("must be all, -1, 1, or 0, got %q", props.Get(PropAcks))}
	}

	switch strings.ToLower(props.Get(PropCompressionType)) {
	case "", "none":
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, &ConfigError{Key: PropCompressionType, Reason: fmt.Sprintf("unsupported codec %q", props.Get(PropCompressionType))}
	}

	return opts, nil
}

func consumerOpts(props config.Properties) ([]kgo.Opt, error) {
	groupID := props.Get(PropGroupID)
	if groupID == "" {
		return nil, &ConfigError{Key: PropGroupID, Reason: "is required for consumers"}
	}

	reset := props.Get(PropAutoOffsetReset)
	if reset == "" {
		reset = string(Latest)
	}
	policy, err := ParseOffsetPolicy(reset)
	if err != nil {
		return nil, &ConfigError{Key: PropAutoOffsetReset, Reason: err.Error()}
	}

	opts := []kgo.Opt{
		kgo.ConsumerGroup(groupID),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(policy.resetOffset()),
	}

	if v := props.Get(PropSessionTimeoutMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, &ConfigError{Key: PropSessionTimeoutMS, Reason: fmt.Sprintf("must be a positive integer, got %q", v)}
		}
		opts = append(opts, kgo.SessionTimeout(time.Duration(ms)*time.Millisecond))
	}

	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
