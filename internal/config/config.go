package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen      string        `yaml:"listen"`
	StoragePath string        `yaml:"storage-path"`
	Storage     StorageConfig `yaml:"storage"`
	Auth        AuthConfig    `yaml:"auth"`
	Cache       CacheConfig   `yaml:"cache"`
	Limits      LimitsConfig  `yaml:"limits"`
	Debug       bool          `yaml:"debug"`
	Log         string        `yaml:"log"`
	LogLevel    string        `yaml:"log-level"`
}

type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Token           string `yaml:"token"`
	APIKey          string `yaml:"api-key"`
	RequireReadAuth bool   `yaml:"require-read-auth"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl"`
	MaxSize int    `yaml:"max-size"`
}

type LimitsConfig struct {
	MaxFileSize          int64 `yaml:"max-file-size"` // bytes
	MaxConcurrentUploads int   `yaml:"max-concurrent-uploads"`
}

type StorageConfig struct {
	Type string `yaml:"type"` // local, mindb
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
