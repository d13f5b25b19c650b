package types

// Store is the narrow key-value contract the core needs from persistence.
// Implementations must provide linearizable single-key operations; multi-key
// atomicity is the coordinator's job, not the store's.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Close() error
}
