// Package flags holds the pflag bindings shared by the ixy-ci commands.
package flags

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
)

// ConfigFlags points at the server's YAML configuration file.
type ConfigFlags struct {
	Path string
}

func NewConfigFlags() *ConfigFlags {
	return &ConfigFlags{
		Path: "config.yaml",
	}
}

func (f *ConfigFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Path, "config", "c", f.Path, "Path to the ixy-ci configuration file")
}

// GetConfig loads the configuration file, fills in defaults and validates it.
func (f *ConfigFlags) GetConfig() (*v1.Config, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", f.Path)
	}

	cfg := &v1.Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %s", f.Path)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", f.Path)
	}
	return cfg, nil
}

func applyDefaults(cfg *v1.Config) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = ":8080"
	}
	if cfg.JobQueueSize == 0 {
		cfg.JobQueueSize = 8
	}
	if cfg.Test.Packets == 0 {
		cfg.Test.Packets = 1000
	}
}
