package interceptors

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// TracingOptions customises gRPC server tracing.
type TracingOptions struct {
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
}

// ServerTracing instruments the gRPC server through an OpenTelemetry stats handler.
type ServerTracing struct {
	options []otelgrpc.Option
}

// NewServerTracing returns tracing for the internal gRPC listener. A nil
// provider falls back to the global one installed by telemetry.
func NewServerTracing(opts TracingOptions) *ServerTracing {
	options := []otelgrpc.Option{
		otelgrpc.WithMessageEvents(otelgrpc.ReceivedEvents, otelgrpc.SentEvents),
	}
	if opts.TracerProvider != nil {
		options = append(options, otelgrpc.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Propagators != nil {
		options = append(options, otelgrpc.WithPropagators(opts.Propagators))
	}
	return &ServerTracing{options: options}
}

// ServerOption installs the stats handler. It returns nil when tracing is off.
func (st *ServerTracing) ServerOption() grpc.ServerOption {
	if st == nil {
		return nil
	}
	return grpc.StatsHandler(otelgrpc.NewServerHandler(st.options...))
}
