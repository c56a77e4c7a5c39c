package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and configures the checkpoint backend.
type StoreConfig struct {
	// Kind is one of "memory", "file", "postgres", "none".
	Kind        string `yaml:"kind"`
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
}

// Config is the CLI configuration, loadable from a YAML file.
type Config struct {
	Store          StoreConfig `yaml:"store"`
	Namespace      string      `yaml:"namespace"`
	AgentType      string      `yaml:"agent_type"`
	MaxSteps       int         `yaml:"max_steps"`
	RetryBudget    int         `yaml:"retry_budget"`
	MaxRefinements int         `yaml:"max_refinements"`
	MinConfidence  float64     `yaml:"min_confidence"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Store:     StoreConfig{Kind: "file", DataDir: "./threads"},
		AgentType: "proposal",
	}
}

// LoadConfigFile reads a YAML configuration file. Fields absent from the
// file keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return config, nil
}
