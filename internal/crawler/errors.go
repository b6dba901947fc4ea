package crawler

import "errors"

var (
	// ErrInvalidCategory rejects a category that normalizes to nothing.
	ErrInvalidCategory = errors.New("invalid category")
	// ErrNotFound means there is no export for the session and none is coming.
	ErrNotFound = errors.New("not found")
	// ErrInProgress means the session is still crawling; retry later.
	ErrInProgress = errors.New("session in progress")
	// ErrSessionFailed means the session aborted on a store failure.
	ErrSessionFailed = errors.New("session failed")
	// ErrPermanentFetch marks a fetch that will not succeed on retry.
	ErrPermanentFetch = errors.New("permanent fetch failure")
	// ErrStoreUnavailable wraps failures of the shared state store.
	ErrStoreUnavailable = errors.New("state store unavailable")
	// ErrQueueClosed is returned by Dequeue after Close.
	ErrQueueClosed = errors.New("queue closed")
)
