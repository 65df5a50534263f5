package port

import (
	"context"
	"time"

	"fundledger/internal/domain/model"
)

// EventSink receives committed transactions. Publishing happens after the
// commit, so a sink failure never undoes a ledger write.
type EventSink interface {
	PublishTransaction(ctx context.Context, tx *model.Transaction) error
}

// Display renders the live quote tape.
type Display interface {
	// Live line: overwrite last line (no newline)
	WriteLive(line string) error
	// Snapshot line: append a historical line with timestamp
	WriteSnapshot(ts time.Time, line string) error
	NewLine() error
}
