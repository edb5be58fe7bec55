package interfaces

import (
	"context"

	"ue1live/pkg/types"
)

// RealtimeStore persists session records and pushes row changes to
// subscribers. Every mutation is a single-row upsert or update; there are no
// multi-row transactions.
type RealtimeStore interface {
	// Upsert inserts row, or overwrites the existing row whose conflictKey
	// columns equal row's, and returns the stored row.
	Upsert(ctx context.Context, table string, row types.Row, conflictKey []string) (types.Row, error)

	// Update applies partial to the row matching match and returns it.
	// ErrRowNotFound when nothing matches.
	Update(ctx context.Context, table string, partial types.Row, match types.Filter) (types.Row, error)

	// Select returns the rows matching filter in a stable order.
	Select(ctx context.Context, table string, filter types.Filter) ([]types.Row, error)

	// Subscribe delivers a ChangeEvent for every later write to a row of
	// table matching filter. onChange is called from a single goroutine per
	// subscription, in commit order.
	Subscribe(ctx context.Context, table string, filter types.Filter, onChange ChangeHandler) (Subscription, error)
}

// ChangeHandler receives change notifications.
type ChangeHandler func(event types.ChangeEvent)

// Subscription is a live change feed.
type Subscription interface {
	// Unsubscribe stops delivery. It is idempotent.
	Unsubscribe() error

	// Lost yields types.ErrChannelLost and is then closed when delivery
	// stopped for any reason other than Unsubscribe; events may have been
	// missed. After Unsubscribe it is closed without a value.
	Lost() <-chan error
}

// Notifier fans change events out to subscribers.
type Notifier interface {
	Publish(ctx context.Context, event types.ChangeEvent) error
	Subscribe(ctx context.Context, table string, filter types.Filter, onChange ChangeHandler) (Subscription, error)
}
