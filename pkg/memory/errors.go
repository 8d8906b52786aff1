package memory

import "errors"

var (
	// ErrNotReady indicates the service handle has not been opened yet,
	// or was already closed. Callers should block, queue, or no-op.
	ErrNotReady = errors.New("memory service not ready")

	// ErrNotFound indicates an unknown rowid, version id, or conflict id.
	ErrNotFound = errors.New("memory record not found")

	// ErrInvalidArgument indicates a malformed filter or an inconsistent
	// scope/personaId pair.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates a one-way transition was attempted twice,
	// such as resolving an already-resolved conflict.
	ErrInvalidState = errors.New("invalid state")

	// ErrExternalService indicates an embeddings/LLM/reranker call failed
	// or timed out. Never fatal: callers degrade or skip and continue.
	ErrExternalService = errors.New("external service failure")
)
