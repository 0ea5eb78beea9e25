package fetch

import (
	"sync"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

// Inflight tracks which fetch keys currently have a fetch running.
//
// It never blocks: a caller that loses the race is told so immediately
// and is expected to come back later. At most one fetch holds any key
// at a time.
type Inflight struct {
	mu   sync.Mutex
	keys map[feedshare.FetchKey]struct{}
}

func NewInflight() *Inflight {
	return &Inflight{
		keys: make(map[feedshare.FetchKey]struct{}),
	}
}

// TryAcquire claims the key if nothing holds it. The check and the
// insert happen under one lock hold so two callers can never both win.
func (f *Inflight) TryAcquire(key feedshare.FetchKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.keys[key]; held {
		return false
	}
	f.keys[key] = struct{}{}

	return true
}

// Release gives the key back. Releasing an unheld key is a no-op.
func (f *Inflight) Release(key feedshare.FetchKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.keys, key)
}
