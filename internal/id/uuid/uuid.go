// Package uuid generates record identifiers.
package uuid

import "github.com/google/uuid"

// Generator produces UUIDv7 identifiers. Version 7 IDs sort by creation
// time, which keeps per-target snapshot ordering visible in the store.
type Generator struct{}

// New returns a UUIDv7 generator.
func New() *Generator { return &Generator{} }

// NewID returns a fresh identifier.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
