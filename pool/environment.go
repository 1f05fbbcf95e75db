package pool

import (
	"time"

	"github.com/isdmx/pysandbox/sandbox"
)

// Provenance records how an environment came to exist
type Provenance string

const (
	// Pooled environments belong to the warm pool and are reused.
	Pooled Provenance = "pooled"
	// Ephemeral environments are overflow created on demand, used once and destroyed.
	Ephemeral Provenance = "ephemeral"
)

// Environment is a snapshot of one execution environment. Mutable state
// lives in the Manager; callers only ever see copies.
type Environment struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       sandbox.Kind `json:"kind"`
	Provenance Provenance   `json:"provenance"`
	Busy       bool         `json:"busy"`
	CreatedAt  time.Time    `json:"createdAt"`
	LastUsedAt time.Time    `json:"lastUsedAt"`
}

// KindStats is the occupancy of one environment kind
type KindStats struct {
	Floor     int `json:"floor"`
	Total     int `json:"total"`
	Busy      int `json:"busy"`
	Idle      int `json:"idle"`
	Ephemeral int `json:"ephemeral"`
	Pending   int `json:"pending"`
}

// Stats is a point-in-time view of the pool
type Stats struct {
	GPUAvailable bool                       `json:"gpuAvailable"`
	Kinds        map[sandbox.Kind]KindStats `json:"kinds"`
}
