package tokenstore

import "context"

// Backend reads and writes the serialized credential record to persistent storage.
//
// Automatic token refresh requires writable storage.
type Backend interface {
	// Read returns the stored record. Returns error if the record is missing or empty.
	Read(ctx context.Context) ([]byte, error)

	// Write persists the record to storage, overwriting any existing value.
	Write(ctx context.Context, data []byte) error

	// Clear removes the stored record. Clearing an absent record is not an error.
	Clear(ctx context.Context) error
}
