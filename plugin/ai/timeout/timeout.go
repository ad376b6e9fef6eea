// Package timeout defines centralized timeout constants for chat operations.
package timeout

import "time"

const (
	// StreamTimeout is the upper bound for one streamed assistant reply.
	StreamTimeout = 5 * time.Minute

	// PersistTimeout bounds the store writes that follow a generation. They run on a
	// context detached from the request so a late client disconnect cannot drop a finished reply.
	PersistTimeout = 10 * time.Second

	// ShutdownTimeout is how long the server waits for in-flight streams on shutdown.
	ShutdownTimeout = 30 * time.Second

	// MaxTruncateLength is the maximum length for truncating strings in logs.
	MaxTruncateLength = 200
)
