package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDupSetTTL(t *testing.T) {
	s := NewDupSet()
	s.Add(0xabc, ms(0), 100*time.Millisecond)

	assert.True(t, s.Contains(0xabc, ms(50)))
	assert.True(t, s.Contains(0xabc, ms(100)))
	assert.False(t, s.Contains(0xabc, ms(101)))
	// Expired entries are dropped on lookup.
	assert.Zero(t, s.Len())
}

func TestDupSetSweep(t *testing.T) {
	s := NewDupSet()
	s.Add(1, ms(0), 10*time.Millisecond)
	s.Add(2, ms(0), 200*time.Millisecond)
	s.Sweep(ms(100))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(2, ms(100)))
}

func TestDupSetUnknown(t *testing.T) {
	s := NewDupSet()
	assert.False(t, s.Contains(7, ms(0)))
}
