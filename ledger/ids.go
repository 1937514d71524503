package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator issues time-ordered UUIDv7 identifiers, so sorting by ID
// agrees with creation order within a process.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator issues predictable IDs ("wd_000001"). For tests and demos.
type SequenceGenerator struct {
	n atomic.Int64
}

func (g *SequenceGenerator) NewID(prefix string) string {
	return fmt.Sprintf("%s_%06d", prefix, g.n.Add(1))
}
