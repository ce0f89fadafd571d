package kafka

import (
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/validation"
)

// Commit policies.
const (
	// CommitAuto commits processed offsets every CommitInterval and when a
	// partition loop ends.
	CommitAuto = "auto"
	// CommitAfterHandler commits each offset synchronously once its handler returns.
	CommitAfterHandler = "after_handler"
)

// Start offsets for groups without a committed offset.
const (
	StartEarliest = "earliest"
	StartLatest   = "latest"
)

// Config holds Kafka connection and behavior configuration.
type Config struct {
	// Enabled controls whether the Kafka component is active.
	Enabled bool `mapstructure:"enabled"`

	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers" validate:"min=1,dive,hostname_port"`

	// ClientID identifies this process to the brokers. Defaults to streamkit-<uuid>.
	ClientID string `mapstructure:"client_id"`

	// Topic is the default topic used when Publish is given none.
	Topic string `mapstructure:"topic"`

	// GroupID is the consumer group identifier.
	GroupID string `mapstructure:"group_id"`

	// Topics is the list of topics to consume from. Defaults to [Topic].
	Topics []string `mapstructure:"topics"`

	// TrustedNamespaces lists the type namespaces the consumer may decode.
	// Empty trusts only registered types; "*" trusts everything.
	TrustedNamespaces []string `mapstructure:"trusted_namespaces"`

	// TLS
	EnableTLS     bool   `mapstructure:"enable_tls"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	TLSCAFile     string `mapstructure:"tls_ca_file" validate:"omitempty,file"`
	TLSCertFile   string `mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile    string `mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// SASL
	EnableSASL    bool   `mapstructure:"enable_sasl"`
	SASLMechanism string `mapstructure:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`

	// Producer settings
	Compression  string `mapstructure:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
	Balancer     string `mapstructure:"balancer" validate:"oneof=murmur2 hash crc32 round_robin least_bytes"`
	MaxAttempts  int    `mapstructure:"max_attempts" validate:"gte=1"`
	BatchSize    int    `mapstructure:"batch_size" validate:"gte=1"`
	BatchTimeout string `mapstructure:"batch_timeout" validate:"duration"`
	WriteTimeout string `mapstructure:"write_timeout" validate:"duration"`
	RequiredAcks int    `mapstructure:"required_acks" validate:"oneof=-1 1"`
	// QueueSize bounds the messages accepted by Publish and not yet handed
	// to the writer. Publish fails fast when it is full.
	QueueSize int `mapstructure:"queue_size" validate:"gte=1"`

	// Consumer settings
	PollTimeout       string `mapstructure:"poll_timeout" validate:"duration"`
	CommitPolicy      string `mapstructure:"commit_policy" validate:"oneof=auto after_handler"`
	CommitInterval    string `mapstructure:"commit_interval" validate:"duration"`
	StartOffset       string `mapstructure:"start_offset" validate:"oneof=earliest latest"`
	SessionTimeout    string `mapstructure:"session_timeout" validate:"duration"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval" validate:"duration"`
	RebalanceTimeout  string `mapstructure:"rebalance_timeout" validate:"duration"`

	// Connection settings
	DialTimeout string `mapstructure:"dial_timeout" validate:"duration"`
	IdleTimeout string `mapstructure:"idle_timeout" validate:"duration"`
	MetadataTTL string `mapstructure:"metadata_ttl" validate:"duration"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.ClientID == "" {
		c.ClientID = "streamkit-" + uuid.NewString()
	}
	if len(c.Topics) == 0 && c.Topic != "" {
		c.Topics = []string{c.Topic}
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	if c.Balancer == "" {
		c.Balancer = "murmur2"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == "" {
		c.BatchTimeout = "10ms"
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = "10s"
	}
	if c.RequiredAcks <= 0 {
		c.RequiredAcks = -1 // all replicas
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.PollTimeout == "" {
		c.PollTimeout = "1s"
	}
	if c.CommitPolicy == "" {
		c.CommitPolicy = CommitAuto
	}
	if c.CommitInterval == "" {
		c.CommitInterval = "1s"
	}
	if c.StartOffset == "" {
		c.StartOffset = StartEarliest
	}
	if c.SessionTimeout == "" {
		c.SessionTimeout = "30s"
	}
	if c.HeartbeatInterval == "" {
		c.HeartbeatInterval = "3s"
	}
	if c.RebalanceTimeout == "" {
		c.RebalanceTimeout = "30s"
	}
	if c.DialTimeout == "" {
		c.DialTimeout = "10s"
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "30s"
	}
	if c.MetadataTTL == "" {
		c.MetadataTTL = "6s"
	}
	if c.SASLMechanism == "" && c.EnableSASL {
		c.SASLMechanism = "PLAIN"
	}
}

// Validate checks that required fields are present and parseable.
// Call ApplyDefaults first.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	v := validation.New().Merge(validation.Validate(c))
	if c.EnableSASL {
		v.Custom(c.Username != "", "username", "is required when enable_sasl is set")
	}
	if hb, st := ParseDuration(c.HeartbeatInterval), ParseDuration(c.SessionTimeout); hb > 0 && st > 0 {
		v.Custom(hb < st, "heartbeat_interval", "must be shorter than session_timeout")
	}
	v.Custom(ParseDuration(c.PollTimeout) > 0, "poll_timeout", "must be positive")
	if c.CommitPolicy == CommitAuto {
		v.Custom(ParseDuration(c.CommitInterval) > 0, "commit_interval", "must be positive")
	}
	return v.Validate()
}

// PollTimeoutDuration returns the bound on a single fetch.
func (c *Config) PollTimeoutDuration() time.Duration {
	return ParseDuration(c.PollTimeout)
}

// CommitIntervalDuration returns the periodic commit interval.
func (c *Config) CommitIntervalDuration() time.Duration {
	return ParseDuration(c.CommitInterval)
}

// StartOffsetValue maps start_offset to kafka-go's FirstOffset/LastOffset.
func (c *Config) StartOffsetValue() int64 {
	if c.StartOffset == StartLatest {
		return kafkago.LastOffset
	}
	return kafkago.FirstOffset
}

// ParseDuration parses a duration string, returning zero on empty input.
func ParseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
