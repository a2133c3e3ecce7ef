package local

import (
	"flag"
)

type Config struct {
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+".local.path", "", "Directory to store tables in.")
}
