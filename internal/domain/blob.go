package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves settled challenges out of the database into cold storage.
type Archiver interface {
	// ArchiveChallenge writes one challenge and its transactions.
	ArchiveChallenge(ctx context.Context, c Challenge, txs []DiamondTransaction) error
	// ArchiveBefore archives and removes terminal challenges updated before the
	// cutoff, returning how many were moved.
	ArchiveBefore(ctx context.Context, before time.Time) (int64, error)
}
