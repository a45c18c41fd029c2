//go:build !linux

package iface

import (
	"fmt"
	"runtime"

	"github.com/pemilabs/pemi/pkg/core"
)

// NewRawIO requires AF_PACKET sockets; the data plane only runs on Linux.
// Everything above the shim stays portable for tests and replay.
func NewRawIO(clock core.Clock, metrics *core.EngineMetrics, ifaceNear, ifaceFar string, fanoutGroup int) (core.PacketIO, error) {
	return nil, fmt.Errorf("raw packet I/O is not supported on %s", runtime.GOOS)
}
