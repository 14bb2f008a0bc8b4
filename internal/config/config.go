// Package config loads and validates the YAML configuration file shared by
// both binaries. Section parsing happens here; the semantic validation of
// each metric or command section happens in its constructor.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/metrics"
	"github.com/mqtt-tools/mqtt-topic-exporter/internal/trigger"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/mqttclient"
)

const (
	defaultMetricsPath = "/metrics"
	defaultBindAddress = "0.0.0.0"
	defaultPort        = 8840
)

// Exporter configures the exposition HTTP server.
type Exporter struct {
	MetricsPath string `yaml:"metrics_path"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	LogPath     string `yaml:"log_path"` // empty logs to stdout
}

// File is the whole configuration file. Metrics and Commands are the
// user-named sections; either may be empty depending on the binary.
type File struct {
	MQTT     mqttclient.Config         `yaml:"mqtt"`
	Exporter Exporter                  `yaml:"exporter"`
	Metrics  map[string]metrics.Config `yaml:"metrics"`
	Commands map[string]trigger.Config `yaml:"commands"`
}

// Load reads, decodes and validates the configuration file at path.
// Environment variables override the mqtt section.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	defer f.Close()

	c := &File{
		Exporter: Exporter{
			MetricsPath: defaultMetricsPath,
			BindAddress: defaultBindAddress,
			Port:        defaultPort,
		},
	}

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := envconfig.Process("", &c.MQTT); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *File) validate() error {
	if c.Exporter.Port < 1 || c.Exporter.Port > 0xFFFF {
		return fmt.Errorf("exporter port %d not in valid port range", c.Exporter.Port)
	}

	if !strings.HasPrefix(c.Exporter.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", c.Exporter.MetricsPath)
	}

	if c.MQTT.LogLevel != "" {
		if _, err := ParseLevel(c.MQTT.LogLevel); err != nil {
			return fmt.Errorf("mqtt section: %w", err)
		}
	}

	return nil
}

// MetricNames returns the metric section names sorted, so transformers are
// constructed and rendered in a stable order.
func (c *File) MetricNames() []string {
	names := make([]string, 0, len(c.Metrics))
	for name := range c.Metrics {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// CommandNames returns the command section names sorted.
func (c *File) CommandNames() []string {
	names := make([]string, 0, len(c.Commands))
	for name := range c.Commands {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("invalid loglevel %q", s)
}
