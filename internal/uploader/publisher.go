package uploader

import (
	"context"

	"github.com/ChuLiYu/walreplica/internal/batch"
)

// BatchPublisher adapts Pool to internal/batch.Publisher, so the Batch
// Copier never needs to know the uploader's own Item shape.
type BatchPublisher struct {
	Bucket string
	Pool   *Pool
}

func (b BatchPublisher) Publish(ctx context.Context, h batch.Handoff) error {
	return b.Pool.Submit(ctx, Item{Bucket: b.Bucket, Key: h.Key.FormatKey(), Path: h.Path})
}
