package engine

import "sync/atomic"

// IDSource hands out scheduled task ids. Ids must be unique and increasing
// for the lifetime of the source.
type IDSource interface {
	NextID() uint64
}

// Counter is an atomic IDSource. The zero value starts at 1.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) NextID() uint64 { return c.n.Add(1) }

// processIDs is shared by every scheduler that was not given its own source,
// so ids stay unique across schedulers in one process.
var processIDs Counter
