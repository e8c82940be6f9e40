package tokenstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend stores the record in process memory. Credentials are lost on
// restart, which is equivalent to "logged out". Used for tests and for
// sessions that should not outlive the process.
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

// Compile-time check to ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Read returns the stored record. Returns error if nothing has been written.
func (m *MemoryBackend) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil, fmt.Errorf("no credential stored")
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Write replaces the stored record.
func (m *MemoryBackend) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make([]byte, len(data))
	copy(m.data, data)
	return nil
}

// Clear removes the stored record.
func (m *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil
	return nil
}
