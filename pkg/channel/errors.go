package channel

import "errors"

var (
	// ErrHashConflict means stored bytes already exist under the same
	// filename with a different content hash.
	ErrHashConflict = errors.New("channel: content hash conflict for existing artifact")

	// ErrFilenameConflict means the partition index already maps the
	// filename to a record with a different content hash.
	ErrFilenameConflict = errors.New("channel: filename already indexed with different content")

	// ErrNotFound covers reads of absent artifacts, partitions and
	// channels. It is a client-visible miss, not a system fault.
	ErrNotFound = errors.New("channel: not found")

	// ErrRecoveryFailed marks a partition whose index could not be
	// reconstructed from storage. The partition rejects all operations
	// until an operator retries via Reload; other partitions are
	// unaffected.
	ErrRecoveryFailed = errors.New("channel: partition index recovery failed")

	// ErrSubdirMismatch means the caller pinned a platform that the
	// package metadata disagrees with.
	ErrSubdirMismatch = errors.New("channel: package subdir does not match requested platform")

	// ErrChannelExists is returned when creating a channel whose name is
	// already taken.
	ErrChannelExists = errors.New("channel: channel already exists")
)
