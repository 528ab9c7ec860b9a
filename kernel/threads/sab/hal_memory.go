package sab

// InMemoryProvider stores region data in a local byte slice. Several
// providers may view the same slice; closing one view leaves the others
// attached.
type InMemoryProvider struct {
	region
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	// Backed by uint64 words so 32-bit atomics are always aligned.
	words := make([]uint64, (size+7)/8)
	return &InMemoryProvider{
		region: region{data: uint64sAsBytes(words)[:size]},
	}
}

// View returns another attachment to the same bytes.
func (m *InMemoryProvider) View(readOnly bool) *InMemoryProvider {
	return &InMemoryProvider{
		region: region{data: m.data, readOnly: readOnly},
	}
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}
