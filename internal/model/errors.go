package model

import "errors"

// Error taxonomy for the distribution engine. Callers match with errors.Is;
// components wrap these with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrCapacityExceeded is returned by the registry when the live
	// connection count has reached the configured maximum.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrConnectionNotFound is returned for operations referencing a
	// connection ID that is unknown, typically because it raced with a close.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrPublishFailed reports that the broadcast medium rejected or could
	// not accept a publish. Callers log and swallow it; a missed cross-instance
	// broadcast must not stop local delivery.
	ErrPublishFailed = errors.New("fanout publish failed")

	// ErrCacheUnavailable reports that the snapshot cache store is
	// unreachable. The engine degrades to stale or recomputed reads.
	ErrCacheUnavailable = errors.New("snapshot cache unavailable")

	// ErrCacheMiss is returned by a cache Get when the key is absent or its
	// TTL has expired. The caller must recompute.
	ErrCacheMiss = errors.New("snapshot cache miss")

	// ErrAlreadyRunning and ErrNotRunning report lifecycle misuse. They are
	// fatal to the offending call only.
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)
