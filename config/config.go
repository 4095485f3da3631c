// Package config loads the optional YAML run configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wasmcheck/wasmcheck/model"
)

type Config struct {
	// Mode is the coverage reconciliation strategy
	Mode string `yaml:"mode"`
	// ReservedPrefixes excludes framework/runtime functions from coverage
	ReservedPrefixes []string `yaml:"reserved_prefixes"`
	// Compiler is the external compiler argv prefix
	Compiler []string `yaml:"compiler"`
	// Concurrency bounds the number of file pipelines running at once;
	// 0 means one per CPU
	Concurrency int `yaml:"concurrency"`

	Coverage struct {
		// LCOV is the report output path
		LCOV string `yaml:"lcov"`
		// Pprof, when set, additionally writes a gzipped pprof profile
		Pprof string `yaml:"pprof"`
	} `yaml:"coverage"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Mode = string(model.ModeFailsafe)
	c.Coverage.LCOV = "coverage.lcov"
	return c
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	if _, err := model.ParseMode(c.Mode); err != nil {
		return c, err
	}
	return c, nil
}
