// Package tracing builds the OpenTelemetry tracer provider from the
// relay's tracing configuration.
//
// Exporters:
//   - none: spans are not recorded (the default)
//   - stdout: JSON spans written to the process's output stream
//   - file: JSON spans appended to a file
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterFile   = "file"
)

// Options control provider construction.
type Options struct {
	Exporter    string
	Path        string // for ExporterFile
	SampleRatio float64
	ServiceName string
	Version     string

	// Stdout receives spans for ExporterStdout. Defaults to os.Stdout.
	Stdout io.Writer
}

// Provider owns the SDK tracer provider and anything its exporter
// opened. The zero-exporter provider hands out no-op tracers.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
}

// New builds a provider. It does not install it globally.
func New(opts Options) (*Provider, error) {
	if opts.Exporter == "" || opts.Exporter == ExporterNone {
		return &Provider{}, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "relay"
	}
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		opts.SampleRatio = 1
	}

	p := &Provider{}
	var w io.Writer
	switch opts.Exporter {
	case ExporterStdout:
		w = opts.Stdout
		if w == nil {
			w = os.Stdout
		}
	case ExporterFile:
		if opts.Path == "" {
			return nil, errors.New("file exporter needs a path")
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		p.file = f
		w = f
	default:
		return nil, fmt.Errorf("unknown exporter %q", opts.Exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		p.closeFile()
		return nil, fmt.Errorf("build exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", opts.ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, attribute.String("service.version", opts.Version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		p.closeFile()
		return nil, fmt.Errorf("build resource: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return p, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// TracerProvider returns the SDK provider for global installation, or a
// no-op provider when tracing is disabled.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p.tp == nil {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.TracerProvider().Tracer(name)
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if cerr := p.closeFile(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (p *Provider) closeFile() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
