package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one listed object. Path is relative to the store's prefix.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores objects. PutMultipart is for payloads too large for a
// single PUT.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads objects back. Get on a missing path returns ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// SettlementArchiver copies terminal settlements to object storage. The
// primary store keeps its rows.
type SettlementArchiver interface {
	Archive(ctx context.Context, state SettlementState) (path string, err error)
	ArchiveBatch(ctx context.Context, states []SettlementState, day time.Time) (path string, err error)
}
