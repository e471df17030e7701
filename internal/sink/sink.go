package sink

import (
	"context"

	"github.com/shortontech/iptrace/internal/history"
)

// Sink receives a notification for every appended history entry.
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(c history.Change) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
