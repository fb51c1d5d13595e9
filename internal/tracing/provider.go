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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options are the non-YAML inputs of New.
type Options struct {
	// Registerer receives the OpenTelemetry metrics (default: the global
	// Prometheus registry, which /metrics serves).
	Registerer promclient.Registerer

	// Gatherer backs MetricsHandler (default: the global registry).
	Gatherer promclient.Gatherer

	Logger *slog.Logger
}

// Provider owns the tracer and meter providers.
type Provider struct {
	tp          *sdktrace.TracerProvider
	mp          *metric.MeterProvider
	gatherer    promclient.Gatherer
	instruments *Instruments
}

// New builds the providers and installs them globally. Exporters that fail
// to build are logged and skipped. With tracing disabled no span is sampled
// but metrics are still collected.
func New(ctx context.Context, cfg Config, opts Options) (*Provider, error) {
	cfg.ApplyDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = promclient.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = promclient.DefaultGatherer
	}

	// An empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.NeverSample()
	if cfg.Enabled {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.Enabled {
		for i, ec := range cfg.Exporters {
			exporter, err := NewExporter(ctx, ec)
			if err != nil {
				opts.Logger.Warn("failed to create exporter, skipping",
					slog.Int("index", i),
					slog.String("type", ec.Type),
					slog.String("endpoint", ec.Endpoint),
					slog.Any("error", err))
				continue
			}
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter,
				sdktrace.WithMaxExportBatchSize(cfg.BatchSize),
				sdktrace.WithBatchTimeout(cfg.BatchInterval),
			))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	promExporter, err := prometheus.New(prometheus.WithRegisterer(opts.Registerer))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	instruments, err := NewInstruments(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, mp: mp, gatherer: opts.Gatherer, instruments: instruments}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Instruments returns the gateway's OpenTelemetry instruments.
func (p *Provider) Instruments() *Instruments {
	return p.instruments
}

// MetricsHandler serves the Prometheus exposition format.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
