package flow

import (
	"time"

	"github.com/pemilabs/pemi/pkg/core"
)

// DupSet remembers recently injected fingerprints so the same packet is not
// retransmitted twice within the suppression TTL. Entries are checked lazily
// and swept by the maintenance pass.
type DupSet struct {
	expiry map[uint64]core.Time
}

// NewDupSet returns an empty suppression set.
func NewDupSet() *DupSet {
	return &DupSet{expiry: make(map[uint64]core.Time)}
}

// Contains reports whether fp was injected within its TTL. An expired entry
// is removed on the way out.
func (s *DupSet) Contains(fp uint64, now core.Time) bool {
	exp, ok := s.expiry[fp]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(s.expiry, fp)
		return false
	}
	return true
}

// Add records an injected fingerprint with the given TTL.
func (s *DupSet) Add(fp uint64, now core.Time, ttl time.Duration) {
	s.expiry[fp] = now.Add(ttl)
}

// Sweep drops every expired fingerprint.
func (s *DupSet) Sweep(now core.Time) {
	for fp, exp := range s.expiry {
		if now.After(exp) {
			delete(s.expiry, fp)
		}
	}
}

// Len returns the number of live fingerprints.
func (s *DupSet) Len() int { return len(s.expiry) }
