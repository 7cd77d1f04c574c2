package extension

import (
	"github.com/viant/x"
)

// Types is the data type registry shared by all registered engines.
type Types struct {
	x.Registry
}

// Register adds a data type to the registry.
func (t *Types) Register(dataType *x.Type) {
	t.Registry.Register(dataType)
}

// Lookup returns a data type from the registry or nil.
func (t *Types) Lookup(name string) *x.Type {
	return t.Registry.Lookup(name)
}

// NewTypes creates an empty type registry.
func NewTypes() *Types {
	return &Types{Registry: *x.NewRegistry()}
}
