package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/modules/optimizer"
	"github.com/deltaforge/deltaforge/modules/pipeline"
	"github.com/deltaforge/deltaforge/pkg/circuit"
	"github.com/deltaforge/deltaforge/pkg/ingest"
	"github.com/deltaforge/deltaforge/pkg/registry"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

// Config is the root configuration of the engine.
type Config struct {
	HTTPListenAddress string      `yaml:"http_listen_address"`
	HTTPListenPort    int         `yaml:"http_listen_port"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`

	Kafka         ingest.KafkaConfig             `yaml:"kafka"`
	Store         forgedb.Config                 `yaml:"store"`
	SchemaManager schema.ManagerConfig           `yaml:"schema_manager"`
	Pipeline      pipeline.Config                `yaml:"pipeline"`
	Circuit       circuit.Config                 `yaml:"circuit_breaker"`
	Optimizer     optimizer.Config               `yaml:"optimizer"`
	Topics        map[string]*registry.TopicSpec `yaml:"topics"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format (logfmt, json).")
	f.StringVar(&c.HTTPListenAddress, "http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&c.HTTPListenPort, "http-listen-port", 3200, "HTTP server listen port.")

	c.Kafka.RegisterFlagsAndApplyDefaults("kafka", f)
	c.Store.RegisterFlagsAndApplyDefaults("store", f)
	c.SchemaManager.RegisterFlagsAndApplyDefaults("schema-manager", f)
	c.Pipeline.RegisterFlagsAndApplyDefaults("pipeline", f)
	c.Circuit.RegisterFlagsAndApplyDefaults("circuit-breaker", f)
	c.Optimizer.RegisterFlagsAndApplyDefaults("optimizer", f)
}

// ConfigWarning bundles a warning message with an explanation for the
// operator.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for suspect configurations. Hard validation
// errors surface from New instead.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if len(c.Topics) == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "no topics configured",
			Explain: "the engine will start but consume nothing",
		})
	}
	if c.SchemaManager.Endpoint == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "schema_manager.endpoint is not set",
			Explain: "every record will fail schema resolution",
		})
	}
	for name, topic := range c.Topics {
		if topic.Table.EnableVacuum && !topic.Table.EnableOptimize {
			warnings = append(warnings, ConfigWarning{
				Message: fmt.Sprintf("topic %s vacuums without compaction", name),
				Explain: "vacuum only reclaims files that compaction or rewrites orphaned",
			})
		}
	}

	return warnings
}
