// Package uuid generates identifiers for scheduled requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so ids sort in submission order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string, falling back to a random UUIDv4 when the v7
// source fails.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err == nil {
		return id.String(), nil
	}
	v4, v4Err := uuid.NewRandom()
	if v4Err != nil {
		return "", fmt.Errorf("generate request id: %w", v4Err)
	}
	return v4.String(), nil
}
