// Package extension holds the registry of collaborator engines and their
// data types. Applications register custom engines here to replace or extend
// the built-in stubs.
package extension

import (
	"sync"

	"github.com/viant/x"

	"github.com/retailops/demandflow/model/types"
)

// Engines indexes collaborator services by name.
type Engines struct {
	types    *Types
	services map[string]types.Service
	mux      sync.RWMutex
}

// Types returns the engine data type registry.
func (e *Engines) Types() *Types {
	return e.types
}

// Lookup returns a registered engine by name or nil.
func (e *Engines) Lookup(name string) types.Service {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.services[name]
}

// Register registers an engine, overwriting any previous one with the same
// name. Engine input/output types are added to the type registry.
func (e *Engines) Register(service types.Service) {
	e.mux.Lock()
	defer e.mux.Unlock()
	for _, signature := range service.Methods() {
		if signature.Input != nil {
			e.types.Register(x.NewType(signature.Input))
		}
		if signature.Output != nil {
			e.types.Register(x.NewType(signature.Output))
		}
	}
	e.services[service.Name()] = service
}

// NewEngines creates an engine registry seeded with the supplied types.
func NewEngines(goTypes ...*x.Type) *Engines {
	ret := &Engines{
		types:    NewTypes(),
		services: make(map[string]types.Service),
	}
	for _, t := range goTypes {
		if t != nil {
			ret.types.Register(t)
		}
	}
	return ret
}
