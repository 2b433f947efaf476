// Package revocation keeps the in-memory set of revoked signatures consulted
// by token verification, fed from the store and an optional operator file.
package revocation

import (
	"strings"
	"sync"
	"time"
)

// DefaultStaleTTL is how long a list stays fresh after its last update.
const DefaultStaleTTL = 10 * time.Minute

// List is a concurrency-safe set of revoked signatures.
//
// Staleness is reported for monitoring only. A stale list keeps answering from
// its last contents; it never un-revokes a signature.
type List struct {
	mu       sync.RWMutex
	revoked  map[string]struct{}
	updated  time.Time
	staleTTL time.Duration
	now      func() time.Time

	// gen counts Adds. added holds the generation each signature was Added
	// at until a snapshot taken after it has been applied.
	gen     uint64
	applied uint64
	added   map[string]uint64
}

// NewList returns an empty list. A non-positive staleTTL disables staleness
// once the list has been updated.
func NewList(staleTTL time.Duration) *List {
	return &List{
		revoked:  make(map[string]struct{}),
		added:    make(map[string]uint64),
		staleTTL: staleTTL,
		now:      time.Now,
	}
}

// Update replaces the list contents with signatures.
func (l *List) Update(signatures []string) {
	l.UpdateSince(l.Mark(), signatures)
}

// Mark returns the list generation. Take it before reading the snapshot that
// is later passed to UpdateSince.
func (l *List) Mark() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// UpdateSince replaces the list contents with a snapshot read after mark.
// Signatures Added after mark are kept even when the snapshot misses them. A
// snapshot older than one already applied is discarded and false returned.
func (l *List) UpdateSince(mark uint64, signatures []string) bool {
	next := make(map[string]struct{}, len(signatures))
	for _, sig := range signatures {
		if sig = strings.TrimSpace(sig); sig != "" {
			next[sig] = struct{}{}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if mark < l.applied {
		return false
	}
	for sig, gen := range l.added {
		if gen > mark {
			next[sig] = struct{}{}
			continue
		}
		delete(l.added, sig)
	}
	l.revoked = next
	l.applied = mark
	l.updated = l.now()
	return true
}

// Add revokes a single signature without waiting for the next refresh. The
// caller persists the revocation before calling Add.
func (l *List) Add(signature string) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.revoked[signature] = struct{}{}
	l.added[signature] = l.gen
}

// IsRevoked reports whether signature is revoked. It matches the
// entitlements.VerifyOptions.IsRevoked callback.
func (l *List) IsRevoked(signature string) bool {
	revoked, _ := l.Lookup(signature)
	return revoked
}

// Lookup reports whether signature is revoked and whether the answer comes
// from a stale list.
func (l *List) Lookup(signature string) (revoked, stale bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, revoked = l.revoked[signature]
	return revoked, l.isStaleLocked()
}

// Size returns the number of revoked signatures.
func (l *List) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.revoked)
}

// Signatures returns a copy of the revoked signatures.
func (l *List) Signatures() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.revoked))
	for sig := range l.revoked {
		out = append(out, sig)
	}
	return out
}

// LastUpdated returns the time of the last Update.
func (l *List) LastUpdated() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updated
}

// IsStale reports whether the list was never updated or has outlived its TTL.
func (l *List) IsStale() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isStaleLocked()
}

func (l *List) isStaleLocked() bool {
	if l.updated.IsZero() {
		return true
	}
	if l.staleTTL <= 0 {
		return false
	}
	return l.now().Sub(l.updated) > l.staleTTL
}
