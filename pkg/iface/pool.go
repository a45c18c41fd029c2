package iface

import "sync"

// Frame buffer pools in a few size classes to keep the read loop and the
// injection path allocation-free. Only buffers that originated from Get are
// returned (checked via capacity match).

const (
	poolSmall = 2048
	poolMed   = 4096
	poolLarge = 16384
)

var (
	bufSmall = sync.Pool{New: func() any { b := make([]byte, poolSmall); return &b }}
	bufMed   = sync.Pool{New: func() any { b := make([]byte, poolMed); return &b }}
	bufLarge = sync.Pool{New: func() any { b := make([]byte, poolLarge); return &b }}
)

// Get returns a buffer of at least n bytes, sliced to n.
func Get(n int) []byte {
	switch {
	case n <= poolSmall:
		p := bufSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= poolMed:
		p := bufMed.Get().(*[]byte)
		return (*p)[:n]
	case n <= poolLarge:
		p := bufLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// Put returns a buffer obtained from Get to its pool.
func Put(b []byte) {
	switch cap(b) {
	case poolSmall:
		bb := b[:poolSmall]
		bufSmall.Put(&bb)
	case poolMed:
		bb := b[:poolMed]
		bufMed.Put(&bb)
	case poolLarge:
		bb := b[:poolLarge]
		bufLarge.Put(&bb)
	}
}
