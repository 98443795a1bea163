// Package blobstore abstracts where exported state snapshots live. Backends
// exist for memory, the local filesystem, S3 and MinIO.
package blobstore

import (
	"context"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for reading and writing whole snapshot blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ThrottledReader wraps a reader with a byte-per-second rate limit. Remote
// backends use it to keep snapshot uploads from saturating the uplink.
func ThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: limiter}
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n <= 0 {
		return n, err
	}

	if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
		return n, werr
	}
	return n, err
}
