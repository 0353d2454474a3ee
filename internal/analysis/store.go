package analysis

import "context"

// Store is the persistence interface for analysis records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	Put(ctx context.Context, r *Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)
}

// Notifier pushes a finished record somewhere humans will see it.
type Notifier interface {
	Send(ctx context.Context, r *Record) error
}
