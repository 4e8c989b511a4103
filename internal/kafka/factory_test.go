package kafka

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaikaSurendra/gork/internal/config"
)

func capturingFactory(specs *[]clientSpec) *Factory {
	f := NewFactory(testKafkaLogger())
	f.newClient = func(spec clientSpec) (client, error) {
		*specs = append(*specs, spec)
		return &fakeClient{broker: newFakeBroker(), role: spec.role}, nil
	}
	return f
}

func TestFactory_ProducerProperties(t *testing.T) {
	tests := []struct {
		name    string
		props   config.Properties
		wantKey string // empty means success
	}{
		{"plaintext", testProps(), ""},
		{"client id and compression", testProps().With(PropClientID, "gork").With(PropCompressionType, "zstd"), ""},
		{"acks leader", testProps().With(PropAcks, "1"), ""},
		{"acks none", testProps().With(PropAcks, "0"), ""},
		{"sasl plain", testProps().
			With(PropSecurityProtocol, "SASL_SSL").
			With(PropSASLMechanisms, "PLAIN").
			With(PropSASLUsername, "key").
			With(PropSASLPassword, "secret"), ""},
		{"sasl scram 512", testProps().
			With(PropSecurityProtocol, "sasl_plaintext").
			With(PropSASLMechanism, "SCRAM-SHA-512").
			With(PropSASLUsername, "u").
			With(PropSASLPassword, "p"), ""},
		{"unknown keys ignored", testProps().With("linger.ms", "5"), ""},
		{"missing bootstrap", config.NewProperties(PropClientID, "x"), PropBootstrapServers},
		{"blank bootstrap list", config.NewProperties(PropBootstrapServers, " , "), PropBootstrapServers},
		{"bad protocol", testProps().With(PropSecurityProtocol, "TLS"), PropSecurityProtocol},
		{"sasl without credentials", testProps().With(PropSecurityProtocol, "SASL_SSL"), PropSASLUsername},
		{"bad mechanism", testProps().
			With(PropSecurityProtocol, "SASL_SSL").
			With(PropSASLMechanism, "GSSAPI").
			With(PropSASLUsername, "u").
			With(PropSASLPassword, "p"), PropSASLMechanism},
		{"missing ca file", testProps().
			With(PropSecurityProtocol, "SSL").
			With(PropSSLCALocation, "/nonexistent/ca.pem"), PropSSLCALocation},
		{"bad acks", testProps().With(PropAcks, "most"), PropAcks},
		{"bad compression", testProps().With(PropCompressionType, "brotli"), PropCompressionType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var specs []clientSpec
			f := capturingFactory(&specs)

			cl, err := f.newProducer(tt.props)
			if tt.wantKey == "" {
				require.NoError(t, err)
				require.NotNil(t, cl)
				require.Len(t, specs, 1)
				assert.Equal(t, "producer", specs[0].role)
				assert.NotEmpty(t, specs[0].opts)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
			assert.Empty(t, specs, "no client may be built on config error")
		})
	}
}

func TestFactory_ConsumerProperties(t *testing.T) {
	tests := []struct {
		name    string
		props   config.Properties
		topic   string
		wantKey string
	}{
		{"valid", testProps().With(PropGroupID, "g").With(PropAutoOffsetReset, "earliest"), "t", ""},
		{"reset defaults to latest", testProps().With(PropGroupID, "g"), "t", ""},
		{"session timeout", testProps().With(PropGroupID, "g").With(PropSessionTimeoutMS, "45000"), "t", ""},
		{"missing topic", testProps().With(PropGroupID, "g"), "", "topic"},
		{"missing group", testProps(), "t", PropGroupID},
		{"bad reset", testProps().With(PropGroupID, "g").With(PropAutoOffsetReset, "smallest"), "t", PropAutoOffsetReset},
		{"bad session timeout", testProps().With(PropGroupID, "g").With(PropSessionTimeoutMS, "soon"), "t", PropSessionTimeoutMS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var specs []clientSpec
			f := capturingFactory(&specs)

			_, err := f.newConsumer(tt.props, tt.topic)
			if tt.wantKey == "" {
				require.NoError(t, err)
				require.Len(t, specs, 1)
				assert.Equal(t, "consumer", specs[0].role)
				assert.Equal(t, tt.topic, specs[0].topic)
				assert.Equal(t, "g", specs[0].props.Get(PropGroupID))
				return
			}

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
			assert.Empty(t, specs)
		})
	}
}

func TestFactory_PollerInjectsGroupAndPolicy(t *testing.T) {
	var specs []clientSpec
	f := capturingFactory(&specs)
	base := testProps().With(PropGroupID, "from-file").With(PropAutoOffsetReset, "latest")

	p := NewPoller(f, base, testKafkaLogger())
	req := baseRequest()
	req.GroupID = "per-call"
	req.Policy = Earliest
	req.Limit = 1
	req.MaxWait = 20 * time.Millisecond

	_, err := p.Poll(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, specs, 1)
	assert.Equal(t, "per-call", specs[0].props.Get(PropGroupID))
	assert.Equal(t, "earliest", specs[0].props.Get(PropAutoOffsetReset))
	assert.Equal(t, "from-file", base.Get(PropGroupID), "base properties must not change")
}

func TestFactory_CheckProperties(t *testing.T) {
	var specs []clientSpec
	f := capturingFactory(&specs)

	assert.NoError(t, f.CheckProperties(testProps()))

	err := f.CheckProperties(config.NewProperties(PropClientID, "gork"))
	assert.ErrorIs(t, err, ErrConfig)

	err = f.CheckProperties(testProps().With(PropCompressionType, "brotli"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, PropCompressionType, cfgErr.Key)

	assert.Empty(t, specs, "checking must not build clients")
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := loadTLSConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)

	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0600))

	_, err = loadTLSConfig(bad)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "no PEM")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092 "))
	assert.Nil(t, splitList(""))
}
