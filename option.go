package demandflow

import (
	"github.com/viant/x"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/model/types"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/dao"
	"github.com/retailops/demandflow/service/messaging"
	"github.com/retailops/demandflow/service/orchestrator"
	"github.com/retailops/demandflow/service/variance"
	"github.com/retailops/demandflow/tracing"
)

// Option customises the engine assembled by New.
type Option func(s *Service)

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithSessionStore sets the workflow session store, e.g. a file system backed
// store for durability across restarts.
func WithSessionStore(store dao.Service[string, session.Session]) Option {
	return func(s *Service) { s.sessionStore = store }
}

// WithVarianceStore sets the variance record store.
func WithVarianceStore(store dao.Service[string, variance.Record]) Option {
	return func(s *Service) { s.varianceStore = store }
}

// WithQueue sets the stage job queue.
func WithQueue(queue messaging.Queue[orchestrator.StageJob]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithEngineTypes registers additional data types with the engine type
// registry.
func WithEngineTypes(goTypes ...*x.Type) Option {
	return func(s *Service) { s.engineTypes = goTypes }
}

// WithEngines registers collaborator engines, overriding built-in stubs with
// the same name.
func WithEngines(services ...types.Service) Option {
	return func(s *Service) { s.engineServices = services }
}

// WithPolicy sets the variance trigger policy applied to every run.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTracing configures OpenTelemetry tracing with the stdout exporter. If
// outputFile is empty traces go to stdout. Safe to call multiple times; the
// first successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter, e.g. OTLP, Jaeger or Zipkin.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
