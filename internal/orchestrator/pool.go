package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Pool bounds the number of concurrent per-file jobs.
type Pool struct {
	slots chan struct{} // semaphore
}

// NewPool creates a pool with size slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size returns the maximum concurrency.
func (p *Pool) Size() int { return cap(p.slots) }

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.slots }

// Collect runs fn once per distinct key with at most p.Size() calls in
// flight and returns a map holding exactly one entry per distinct key. An
// error or panic from fn becomes that key's entry through onErr. If ctx is
// done before a slot frees up, onErr receives ctx.Err() and fn is not called.
func Collect[T any](ctx context.Context, p *Pool, keys []string,
	fn func(ctx context.Context, key string) (T, error),
	onErr func(key string, err error) T,
) map[string]T {
	keys = dedupe(keys)
	results := make(map[string]T, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v := collectOne(ctx, p, key, fn, onErr)
			mu.Lock()
			results[key] = v
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results
}

func collectOne[T any](ctx context.Context, p *Pool, key string,
	fn func(ctx context.Context, key string) (T, error),
	onErr func(key string, err error) T,
) (out T) {
	if err := p.acquire(ctx); err != nil {
		return onErr(key, err)
	}
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			out = onErr(key, fmt.Errorf("panic: %v", r))
		}
	}()

	v, err := fn(ctx, key)
	if err != nil {
		return onErr(key, err)
	}
	return v
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
