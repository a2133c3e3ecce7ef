package s3

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	Bucket    string         `yaml:"bucket"`
	Endpoint  string         `yaml:"endpoint"`
	Region    string         `yaml:"region"`
	AccessKey string         `yaml:"access_key"`
	SecretKey flagext.Secret `yaml:"secret_key"`
	Insecure  bool           `yaml:"insecure"`
	// ForcePathStyle addresses the bucket as a path segment instead of a
	// virtual host. Required by MinIO and most S3-compatible stores.
	ForcePathStyle     bool          `yaml:"force_path_style"`
	PartSize           uint64        `yaml:"part_size"`
	MaxConnections     int           `yaml:"max_connections"`
	HedgeRequestsAt    time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo  int           `yaml:"hedge_requests_up_to"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Bucket, prefix+".s3.bucket", "", "S3 bucket to store tables in.")
	f.StringVar(&cfg.Endpoint, prefix+".s3.endpoint", "", "S3 endpoint, host:port.")
	f.StringVar(&cfg.AccessKey, prefix+".s3.access-key", "", "S3 access key.")
	cfg.HedgeRequestsUpTo = 2
	cfg.MaxConnections = 100
}
