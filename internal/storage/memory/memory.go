// Package memory is an in-process storage backend, used by tests and by
// one-shot CLI runs that keep no state between invocations.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/buildfix/internal/types"
)

// Backend is a mutex-guarded map
type Backend struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New creates an empty backend
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) Update(ctx context.Context, key string, fn func(cur []byte, exists bool) ([]byte, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, exists := b.data[key]
	next, del, err := fn(append([]byte(nil), cur...), exists)
	if err != nil {
		return err
	}
	if del {
		delete(b.data, key)
		return nil
	}
	b.data[key] = append([]byte(nil), next...)
	return nil
}

func (b *Backend) Close() error {
	return nil
}
