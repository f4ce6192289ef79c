package learning

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	// ErrBackendUnreachable indicates a connection or timeout failure against
	// the backend store. It is the only class of error that is retried.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrEmbeddingUnavailable indicates that no embedding provider produced a
	// vector. Callers degrade to lexical-only behavior.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrInvalidQuery indicates a malformed recall request.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidLearning indicates a malformed learning.
	ErrInvalidLearning = errors.New("invalid learning")

	// ErrSchemaMismatch indicates an embedding whose dimension differs from
	// the deployment dimension.
	ErrSchemaMismatch = errors.New("embedding dimension mismatch")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrHandoffExists indicates a second write to a write-once handoff.
	ErrHandoffExists = errors.New("handoff already exists")

	// ErrVectorUnsupported is returned by lexical-only backends for vector
	// operations.
	ErrVectorUnsupported = errors.New("vector search not supported by backend")
)

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}
