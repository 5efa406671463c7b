package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator provides subscription ids. Ids must be unique at the repository
// for as long as the subscription lives.
type Generator interface {
	NextID() string
}

// UUIDGenerator generates "<prefix>-<uuid>" ids. An empty prefix yields a
// bare UUID. Thread-safe.
type UUIDGenerator struct {
	prefix string
}

// NewUUIDGenerator creates a random id generator
func NewUUIDGenerator(prefix string) *UUIDGenerator {
	return &UUIDGenerator{prefix: prefix}
}

// NextID returns a fresh random id
func (g *UUIDGenerator) NextID() string {
	if g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + "-" + uuid.NewString()
}

// SequenceGenerator generates deterministic "<prefix>-<n>" ids starting at 1,
// for fixtures that assert on ids
type SequenceGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewSequenceGenerator creates a counting id generator
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NextID returns the next id in sequence
func (g *SequenceGenerator) NextID() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
