// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file is
// used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/dovetail-counts/config.yaml",
	"/etc/dovetail-counts/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces this service's environment variables:
// DTCOUNTS_PIPELINE_SECONDS_THRESHOLD -> pipeline.seconds_threshold.
const envPrefix = "DTCOUNTS_"

// legacyEnvVars maps the unprefixed variable names the predecessor
// deployment used, kept working so nothing breaks on cutover.
var legacyEnvVars = map[string]string{
	"SECONDS_THRESHOLD":          "pipeline.seconds_threshold",
	"PERCENT_THRESHOLD":          "pipeline.percent_threshold",
	"DEFAULT_BITRATE":            "pipeline.default_bitrate",
	"BYTES_TTL":                  "pipeline.bytes_ttl",
	"ARRANGEMENT_TTL":            "pipeline.arrangement_ttl",
	"ARRANGEMENT_INCOMPLETE_TTL": "pipeline.incomplete_arrangement_ttl",
	"IMPRESSION_TTL":             "store.impression_ttl",
	"PROCESS_AFTER":              "pipeline.after",
	"PROCESS_UNTIL":              "pipeline.until",
}

// Load builds the configuration from three layers: struct defaults,
// an optional YAML file, and environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	legacy := env.Provider("", ".", func(key string) string {
		return legacyEnvVars[key]
	})
	if err := k.Load(legacy, nil); err != nil {
		return nil, fmt.Errorf("load legacy environment: %w", err)
	}

	prefixed := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(prefixed, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envTransform splits the section off the first underscore:
// DTCOUNTS_NATS_INBOUND_TOPIC -> nats.inbound_topic.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
