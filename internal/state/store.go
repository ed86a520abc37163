package state

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Pruner is implemented by stores that can expire old keys by prefix.
type Pruner interface {
	Prune(ctx context.Context, prefix string, before time.Time) (int64, error)
}
