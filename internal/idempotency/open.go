package idempotency

import (
	"context"
	"fmt"
)

// Open returns the named store: memory, file (at path) or postgres (at dsn). The
// returned close function is never nil.
func Open(ctx context.Context, kind, path, dsn string) (Store, func(), error) {
	noop := func() {}
	switch kind {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown idempotency store %q", kind)
}
