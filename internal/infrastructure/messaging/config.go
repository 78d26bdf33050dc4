package messaging

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the security event stream
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers" json:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic        string        `mapstructure:"topic" yaml:"topic" json:"topic" validate:"required_if=Enabled true"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
	Compression  string        `mapstructure:"compression" yaml:"compression" json:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
}

// DefaultKafkaConfig returns a disabled config with sane writer settings.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "ratewarden.security-events",
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		MaxAttempts:  3,
		Compression:  "snappy",
	}
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression %q", name)
	}
}
