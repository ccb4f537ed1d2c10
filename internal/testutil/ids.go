package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequenceGenerator generates prefix-1, prefix-2, ... without limit.
//
// Unlike domain.FixedGenerator, it never runs out, which suits tests that
// create an unknown number of correlations but still want readable ids.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	prefix string
	seq    atomic.Int64
}

// NewSequenceGenerator creates a generator. An empty prefix becomes "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate implements domain.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Add(1))
}
