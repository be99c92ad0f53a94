package store

import (
	"context"
	"errors"

	"github.com/nidhogg/agency/internal/orchestrator"
	"golang.org/x/sync/errgroup"
)

// Tee writes every entry to all of its stores concurrently and reads from
// the first.
type Tee struct {
	stores []orchestrator.Memory
}

// NewTee creates a tee. The first store is the read source.
func NewTee(primary orchestrator.Memory, others ...orchestrator.Memory) *Tee {
	return &Tee{stores: append([]orchestrator.Memory{primary}, others...)}
}

// Save writes to every store. Every store is attempted; the first error is
// returned.
func (t *Tee) Save(ctx context.Context, key, value string) error {
	var g errgroup.Group
	for _, s := range t.stores {
		s := s
		g.Go(func() error { return s.Save(ctx, key, value) })
	}
	return g.Wait()
}

func (t *Tee) Get(ctx context.Context, key, def string) (string, error) {
	if len(t.stores) == 0 {
		return def, errors.New("tee has no stores")
	}
	return t.stores[0].Get(ctx, key, def)
}
