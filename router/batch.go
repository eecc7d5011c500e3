package router

import (
	"time"

	"github.com/c360/relaygate/event"
)

// Batch is an ordered group of deduplicated events published to the
// fanout bus as one unit. Seq is strictly increasing for the process
// lifetime; event order inside the batch is dedup-clear order.
type Batch struct {
	Seq      uint64         `json:"seq"`
	Events   []*event.Event `json:"events"`
	OpenedAt time.Time      `json:"-"`
	SealedAt time.Time      `json:"-"`
}

// Age is how long the batch has been open. The seal deadline compares
// this against max_latency.
func (b *Batch) Age() time.Duration {
	return time.Since(b.OpenedAt)
}
