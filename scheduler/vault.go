package scheduler

import "sync"

// recordVault keeps the signed resolution envelopes for retrieval by
// auditors over the API. Envelopes are immutable once stored.
type recordVault struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func newRecordVault() *recordVault {
	return &recordVault{records: make(map[string][]byte)}
}

func (v *recordVault) put(auctionID string, signed []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.records[auctionID]; exists {
		return
	}
	v.records[auctionID] = signed
}

func (v *recordVault) get(auctionID string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	signed, ok := v.records[auctionID]
	return signed, ok
}
