package pipeline

import (
	"context"
	"fmt"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

// FanoutLoader loads each batch into several loaders in order and stops at
// the first failure. Outcome IDs are deterministic, so a retried batch
// overwrites rather than duplicates in idempotent sinks.
type FanoutLoader struct {
	loaders []BatchLoader
}

// NewFanoutLoader skips nil loaders so optional sinks can be passed directly.
func NewFanoutLoader(loaders ...BatchLoader) *FanoutLoader {
	f := &FanoutLoader{}
	for _, l := range loaders {
		if l != nil {
			f.loaders = append(f.loaders, l)
		}
	}
	return f
}

// LoadBatch implements BatchLoader.
func (f *FanoutLoader) LoadBatch(ctx context.Context, outcomes []domain.DetectionOutcome) error {
	for i, l := range f.loaders {
		if err := l.LoadBatch(ctx, outcomes); err != nil {
			return fmt.Errorf("loader %d: %w", i, err)
		}
	}
	return nil
}

// Len reports how many sinks are attached.
func (f *FanoutLoader) Len() int { return len(f.loaders) }
