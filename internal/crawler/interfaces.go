package crawler

import (
	"context"
	"io"
	"time"
)

// StateStore is the shared source of truth for session progress. Every
// method must be safe for concurrent use by workers in any process.
type StateStore interface {
	// BeginSession claims the session for a new crawl. It returns false when
	// another caller already owns an active session for the key, or when an
	// earlier crawl that did not fail still has paths in processing.
	BeginSession(ctx context.Context, session string) (bool, error)
	// SetPhase records the phase. Once a session is failed, any other phase
	// is refused with ErrSessionFailed until BeginSession claims it again.
	SetPhase(ctx context.Context, session string, phase Phase) error
	Phase(ctx context.Context, session string) (Phase, error)
	// MarkProcessing moves path from unseen to processing and reports
	// whether this caller performed the transition.
	MarkProcessing(ctx context.Context, session, path string) (bool, error)
	MarkFinished(ctx context.Context, session, path string) error
	PutRecord(ctx context.Context, session, path string, record Record) error
	Records(ctx context.Context, session string) ([]Record, error)
	RecordCount(ctx context.Context, session string) (int64, error)
	Stats(ctx context.Context, session string) (SessionStats, error)
	// Purge drops the visitation sets and records but keeps the phase.
	Purge(ctx context.Context, session string) error
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Fetcher fetches a URL and returns the decoded body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns page markup into records and links.
type Extractor interface {
	// Extract returns the page's record, or false when the page does not
	// have the expected shape.
	Extract(body []byte) (Record, bool)
	Links(body []byte, selector string) ([]string, error)
}

// BlobStore writes export artifacts and reads them back.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns ErrNotFound when nothing is stored at path.
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordArchive keeps a durable copy of exported records.
type RecordArchive interface {
	ArchiveRecords(ctx context.Context, session, runID string, records []Record) error
	Close()
}

// Hasher computes digests for export ETags.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
