// Package tracing wraps OpenTelemetry so the rest of the engine can open and
// close spans without importing the upstream packages directly. Registry
// transitions and orchestrator stage runs are the primary span sources.
package tracing
