// Package persistence implements the Persistence facade (spec.md C1): a
// namespaced key-value store with soft-fail reads and typed helpers for
// composite block records. Callers never touch the underlying DB
// directly (spec.md §9's "guarded global KV access" design note).
package persistence

// Batch is an atomic write buffer. All operations apply together via
// Write() or are discarded together on error, preventing partial commits.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// DB is the generic key-value store interface the Facade wraps.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}
