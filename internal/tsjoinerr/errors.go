// Package tsjoinerr defines the error taxonomy shared by every component
// of the join execution core (spec §7).
package tsjoinerr

import "golang.org/x/xerrors"

// Sentinel errors. Wrap with xerrors.Errorf("...: %w", Err...) to attach
// context; compare with errors.Is.
var (
	// Io covers file/seek/read/write/fsync failure.
	Io = xerrors.New("io error")

	// BadFormat covers magic mismatch, inconsistent sentinel comp_len, or
	// an invalid ts_order value read from a TS-Buffer file header.
	BadFormat = xerrors.New("bad format")

	// TooManyShards is returned by Buffer.Merge when grafting src's
	// shard-directory entries would exceed MAX_SHARDS.
	TooManyShards = xerrors.New("too many shards")

	// OutOfMemory covers allocator refusal for payload growth.
	OutOfMemory = xerrors.New("out of memory")

	// InvalidSQL is a parser-layer contract violation: overflow, bad
	// token, or wrong keyword.
	InvalidSQL = xerrors.New("invalid sql")

	// IncompatibleTsSource is raised when server-time and client-time
	// rows are mixed within one insert block.
	IncompatibleTsSource = xerrors.New("incompatible timestamp source")

	// Remote is an opaque transport-reported code from a subquery.
	Remote = xerrors.New("remote error")

	// Cancelled means a sticky error was already present when a callback
	// ran; its data, if any, is discarded.
	Cancelled = xerrors.New("cancelled")
)
