// Package obslog writes the optional append-only observation log: one line
// per engine action, CSV, no payload data ever.
package obslog

import (
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pemilabs/pemi/pkg/core"
)

// Action is the logged event kind.
type Action string

const (
	ActionForward Action = "forward"
	ActionInject  Action = "inject"
	ActionExpire  Action = "expire"
	ActionNewFlow Action = "newflow"
)

// Logger appends observation records. A nil *Logger is valid and discards
// everything, so callers never branch on whether logging is enabled.
type Logger struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// New opens a rotated observation log at path.
func New(path string) *Logger {
	return &Logger{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    128, // megabytes
		MaxBackups: 4,
	}}
}

// Record appends one line: monotonic_ns, side, action, flow key hash, buffer
// index (-1 where not applicable), fingerprint.
func (l *Logger) Record(ts core.Time, side core.Side, action Action, flowHash uint64, bufferIndex int64, fp uint64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	fmt.Fprintf(l.w, "%d,%s,%s,%016x,%d,%016x\n", int64(ts), side, action, flowHash, bufferIndex, fp)
	l.mu.Unlock()
}

// Close flushes and closes the log.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
