// Package types defines the contract implemented by external collaborator
// engines (forecasting, allocation, pricing). Engines are opaque to the
// orchestrator: they accept a typed input derived from the parameter
// snapshot and return a structured result or an error.
package types

// Service is a named collaborator exposing one or more methods.
type Service interface {
	Name() string
	Methods() Signatures
	Method(name string) (Executable, error)
}
