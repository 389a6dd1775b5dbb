package target

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SequenceValueProvider hands out worker-prefixed sequential keys. The
// per-run nonce plus the worker id keeps values from colliding across
// workers or across repeated runs against the same target.
type SequenceValueProvider struct {
	nonce    string
	mu       sync.Mutex
	counters map[string]*uint64
}

// NewSequenceValueProvider creates a value provider with a fresh run nonce.
func NewSequenceValueProvider() *SequenceValueProvider {
	return &SequenceValueProvider{
		nonce:    uuid.NewString()[:8],
		counters: make(map[string]*uint64),
	}
}

// NextValue returns the next key for the worker.
func (p *SequenceValueProvider) NextValue(workerID string) string {
	p.mu.Lock()
	counter, ok := p.counters[workerID]
	if !ok {
		counter = new(uint64)
		p.counters[workerID] = counter
	}
	p.mu.Unlock()

	n := atomic.AddUint64(counter, 1)
	return fmt.Sprintf("%s:%s:%d", p.nonce, workerID, n)
}
