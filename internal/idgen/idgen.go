package idgen

import "github.com/google/uuid"

// NewFunc produces globally unique identifiers. It is a package variable so
// tests can substitute a deterministic sequence.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new globally unique identifier.
func New() string { return NewFunc() }
