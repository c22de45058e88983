package eventlog

import (
	"context"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Sink consumes batches of log entries. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []lien.LogEntry) error
	Close(ctx context.Context) error
}

// Emitter publishes individual entries; Hub satisfies this interface so components
// stay agnostic about how entries are buffered or persisted.
type Emitter interface {
	Emit(entry lien.LogEntry)
}
