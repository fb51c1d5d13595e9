// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires OpenTelemetry for the gateway: a tracer provider
// with configurable span exporters, a meter provider read by the Prometheus
// exporter, and HTTP context propagation.
package tracing

import (
	"fmt"
	"io"
	"time"
)

// Config holds observability configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces (default "toolgate").
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// SampleRate is the fraction of root traces recorded (default 1).
	SampleRate float64 `yaml:"sample_rate"`

	// Exporters are the span export destinations.
	Exporters []ExporterConfig `yaml:"exporters"`

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int `yaml:"batch_size"`

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint"`

	// Headers are additional headers for authentication.
	Headers map[string]string `yaml:"headers"`

	// TLS configures secure connections.
	TLS TLSConfig `yaml:"tls"`

	// Timeout bounds one export.
	Timeout time.Duration `yaml:"timeout"`

	// Output replaces stdout for the console exporter.
	Output io.Writer `yaml:"-"`
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	// Enabled activates TLS.
	Enabled bool `yaml:"enabled"`

	// SkipVerify disables certificate validation.
	SkipVerify bool `yaml:"skip_verify"`

	// CACertPath is the path to a PEM CA bundle.
	CACertPath string `yaml:"ca_cert_path"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "toolgate"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
}

// Validate checks exporter types and the sample rate.
func (c Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	for i, e := range c.Exporters {
		switch e.Type {
		case "otlp", "otlp-http", "otlp_http":
			if e.Endpoint == "" {
				return fmt.Errorf("tracing.exporters[%d]: endpoint is required for %s", i, e.Type)
			}
		case "console":
		default:
			return fmt.Errorf("tracing.exporters[%d]: unknown exporter type %q", i, e.Type)
		}
	}
	return nil
}
