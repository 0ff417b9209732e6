package liso

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported in the Server header and as the instrumentation version.
const Version = "1.0"

// TracingConfig defines the tracer used for response spans.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "liso")
	TracerName string `yaml:"tracer_name"`
	// Provider supplies the tracer (default: the global otel provider)
	Provider trace.TracerProvider `yaml:"-"`
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{TracerName: "liso"}
}

func (c TracingConfig) tracer() trace.Tracer {
	provider := c.Provider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	name := c.TracerName
	if name == "" {
		name = "liso"
	}
	return provider.Tracer(name, trace.WithInstrumentationVersion(Version))
}
