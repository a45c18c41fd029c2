package core

import (
	"fmt"
	"net"
)

// Side identifies which of the two interfaces a packet crossed.
type Side uint8

const (
	// SideNear faces the server.
	SideNear Side = iota
	// SideFar faces the client.
	SideFar
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideNear {
		return SideFar
	}
	return SideNear
}

func (s Side) String() string {
	if s == SideNear {
		return "near"
	}
	return "far"
}

// Endpoint is an IPv4 address and UDP port.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", net.IP(e.IP[:]), e.Port)
}

// FourTuple is the UDP addressing of one observed datagram, in wire order
// (source first).
type FourTuple struct {
	Src Endpoint
	Dst Endpoint
}

// Packet is one raw frame captured from an interface. The buffer may come
// from a pool; Release must be called exactly once when the frame is no
// longer referenced (directly or from a sent-buffer entry).
type Packet struct {
	// Data is the full frame as read, Ethernet header included.
	Data []byte

	// Arrival is the monotonic capture timestamp.
	Arrival Time

	// Ingress is the side the frame arrived on.
	Ingress Side

	release func([]byte)
}

// NewPacket wraps data as a packet without pooling.
func NewPacket(data []byte, arrival Time, ingress Side) *Packet {
	return &Packet{Data: data, Arrival: arrival, Ingress: ingress}
}

// NewPooledPacket wraps a pooled buffer; release is invoked by Release.
// Do not mutate data after passing it in.
func NewPooledPacket(data []byte, arrival Time, ingress Side, release func([]byte)) *Packet {
	return &Packet{Data: data, Arrival: arrival, Ingress: ingress, release: release}
}

// Len returns the frame length in bytes.
func (p *Packet) Len() int { return len(p.Data) }

// Release returns the underlying buffer to its pool, if any. Safe to call
// more than once; only the first call has an effect.
func (p *Packet) Release() {
	if p.release != nil {
		rel := p.release
		p.release = nil
		data := p.Data
		p.Data = nil
		rel(data)
	}
}

// PacketIO is the raw duplex the engine runs on: a blocking packet source
// plus forward and inject sinks.
type PacketIO interface {
	// ReadPacket blocks until the next frame arrives on either side.
	ReadPacket() (*Packet, error)

	// Forward writes the frame unchanged out of the side opposite its
	// ingress. Forwarding every received packet is the transparency
	// guarantee; the engine never skips it.
	Forward(p *Packet) error

	// Inject emits a frame out of the given side. The frame's IPv4
	// identification and header checksum are recomputed; the UDP payload is
	// left untouched.
	Inject(frame []byte, to Side) error

	// Close releases both sockets.
	Close() error
}
