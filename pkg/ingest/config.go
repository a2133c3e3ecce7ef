package ingest

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

// KafkaConfig configures the connection to the source log broker. One client
// serves every consumed topic; the dead-letter producer uses a second client
// built from the same config.
type KafkaConfig struct {
	Brokers       flagext.StringSlice `yaml:"endpoints"`
	ClientID      string              `yaml:"client_id"`
	ConsumerGroup string              `yaml:"group_id"`
	InstanceID    string              `yaml:"instance_id"`
	DialTimeout   time.Duration       `yaml:"dial_timeout"`
	PollRecords   int                 `yaml:"poll_records"`
	// Workers caps how many fetched partitions are processed at once;
	// effective concurrency is the smaller of this and the assignment.
	Workers        int           `yaml:"workers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// MaxPollInterval bounds how long a rebalance may wait on a slow consumer.
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Brokers, prefix+".endpoints", "Broker endpoints to connect to.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "deltaforge", "Client ID sent to the broker.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".group-id", "deltaforge", "Consumer group for the ingest pipeline.")
	cfg.DialTimeout = 5 * time.Second
	cfg.PollRecords = 1000
	cfg.Workers = 4
	cfg.SessionTimeout = 30 * time.Second
	cfg.MaxPollInterval = 5 * time.Minute
	cfg.WriteTimeout = 10 * time.Second
}

func (cfg *KafkaConfig) Validate() error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("broker endpoints are required")
	}
	if cfg.ConsumerGroup == "" {
		return fmt.Errorf("consumer group id is required")
	}
	return nil
}
