package kv

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// WriteBatches splits records into MaxBatchSize chunks and writes them in
// order. A non-nil limiter paces the chunks.
func WriteBatches(ctx context.Context, s Store, records []Record, limiter *rate.Limiter) error {
	for start := 0; start < len(records); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(records))
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.BatchWrite(ctx, records[start:end]); err != nil {
			return fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}
