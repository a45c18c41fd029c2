//go:build linux

package iface

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/logging"
)

const (
	maxIORetries   = 5
	ioRetryBackoff = time.Millisecond
	readBufSize    = poolLarge
)

// RawIO owns the two AF_PACKET sockets of one shard. ReadPacket multiplexes
// both with poll(2) and timestamps frames as soon as recvfrom returns.
type RawIO struct {
	clock   core.Clock
	metrics *core.EngineMetrics
	fds     [2]int // indexed by core.Side
	ifindex [2]int
}

var _ core.PacketIO = (*RawIO)(nil)

// NewRawIO opens raw sockets on the near and far interfaces. fanoutGroup
// enables PACKET_FANOUT_HASH sharding when positive, so multiple shards can
// split flows kernel-side.
func NewRawIO(clock core.Clock, metrics *core.EngineMetrics, ifaceNear, ifaceFar string, fanoutGroup int) (*RawIO, error) {
	io := &RawIO{clock: clock, metrics: metrics, fds: [2]int{-1, -1}}
	for side, name := range map[core.Side]string{core.SideNear: ifaceNear, core.SideFar: ifaceFar} {
		group := 0
		if fanoutGroup > 0 {
			// One fanout group per interface; shards share the kernel flow
			// hash within each group.
			group = fanoutGroup + int(side)
		}
		fd, ifindex, err := openRaw(name, group)
		if err != nil {
			io.Close()
			return nil, fmt.Errorf("open %s interface %q: %w", side, name, err)
		}
		io.fds[side] = fd
		io.ifindex[side] = ifindex
	}
	logging.Infof("raw sockets open: near=%s far=%s", ifaceNear, ifaceFar)
	return io, nil
}

func openRaw(name string, fanoutGroup int) (int, int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return -1, -1, err
	}
	proto := htons(unix.ETH_P_IP)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return -1, -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return -1, -1, fmt.Errorf("bind: %w", err)
	}
	// The middlebox forwards traffic not addressed to its own MAC.
	mreq := unix.PacketMreq{Ifindex: int32(ifi.Index), Type: unix.PACKET_MR_PROMISC}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		unix.Close(fd)
		return -1, -1, fmt.Errorf("promiscuous mode: %w", err)
	}
	if fanoutGroup > 0 {
		arg := fanoutGroup&0xffff | unix.PACKET_FANOUT_HASH<<16
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, arg); err != nil {
			unix.Close(fd)
			return -1, -1, fmt.Errorf("fanout: %w", err)
		}
	}
	return fd, ifi.Index, nil
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// ReadPacket blocks until a frame arrives on either interface and returns it
// with its capture timestamp and ingress side.
func (io *RawIO) ReadPacket() (*core.Packet, error) {
	pollFds := []unix.PollFd{
		{Fd: int32(io.fds[core.SideNear]), Events: unix.POLLIN},
		{Fd: int32(io.fds[core.SideFar]), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: poll: %v", core.ErrFatalIO, err)
		}
		if n == 0 {
			continue
		}
		for side := core.SideNear; side <= core.SideFar; side++ {
			if pollFds[side].Revents&unix.POLLIN == 0 {
				continue
			}
			buf := Get(readBufSize)
			nr, _, err := unix.Recvfrom(io.fds[side], buf, unix.MSG_DONTWAIT)
			ts := io.clock.Now()
			if err != nil {
				Put(buf)
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				return nil, fmt.Errorf("%w: recvfrom %s: %v", core.ErrFatalIO, side, err)
			}
			return core.NewPooledPacket(buf[:nr], ts, side, Put), nil
		}
	}
}

// Forward writes the frame unchanged out of the opposite interface.
func (io *RawIO) Forward(p *core.Packet) error {
	return io.send(p.Data, p.Ingress.Opposite())
}

// Inject copies the frame, rewrites the IP identification and header
// checksum, and emits it on the given side. The source frame is not
// modified; the UDP payload of the copy is bit-identical.
func (io *RawIO) Inject(frame []byte, to core.Side) error {
	buf := Get(len(frame))
	copy(buf, frame)
	if !RewriteForInjection(buf) {
		Put(buf)
		return fmt.Errorf("inject: frame too short to rewrite")
	}
	err := io.send(buf, to)
	Put(buf)
	return err
}

// send writes with bounded retries on transient errno. A persistent failure
// is fatal: the socket is considered unusable.
func (io *RawIO) send(frame []byte, side core.Side) error {
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  io.ifindex[side],
		Halen:    6,
	}
	backoff := ioRetryBackoff
	var err error
	for attempt := 0; attempt < maxIORetries; attempt++ {
		err = unix.Sendto(io.fds[side], frame, 0, addr)
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN && err != unix.ENOBUFS && err != unix.EINTR {
			return fmt.Errorf("%w: sendto %s: %v", core.ErrFatalIO, side, err)
		}
		core.Add(&io.metrics.IORetries, 1)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%w: sendto %s: retries exhausted: %v", core.ErrFatalIO, side, err)
}

// Close releases both sockets.
func (io *RawIO) Close() error {
	var first error
	for i, fd := range io.fds {
		if fd >= 0 {
			if err := unix.Close(fd); err != nil && first == nil {
				first = err
			}
			io.fds[i] = -1
		}
	}
	return first
}
