// Package iface moves frames between the two raw interfaces: blocking reads
// with monotonic timestamps, verbatim forwarding, and injection with the
// IPv4 identification and header checksum recomputed.
package iface

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/pemilabs/pemi/pkg/core"
)

const (
	// EthHeaderLen is the untagged Ethernet header size.
	EthHeaderLen = 14

	etherTypeIPv4 = 0x0800
	protoUDP      = 17
)

// Decoded is the L2-L4 view of a frame the engine needs: addressing and
// where the UDP payload starts.
type Decoded struct {
	Tuple      core.FourTuple
	PayloadOff int // offset of the UDP payload within the frame
	PayloadLen int
}

// DecodeFrame parses the Ethernet/IPv4/UDP envelope of a frame. Anything
// that is not plain unfragmented IPv4 UDP is rejected (still forwarded by
// the caller, just not tracked).
func DecodeFrame(frame []byte) (Decoded, bool) {
	if len(frame) < EthHeaderLen+ipv4.HeaderLen+8 {
		return Decoded{}, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return Decoded{}, false
	}
	hdr, err := ipv4.ParseHeader(frame[EthHeaderLen:])
	if err != nil || hdr.Version != 4 || hdr.Protocol != protoUDP {
		return Decoded{}, false
	}
	if hdr.Flags&ipv4.MoreFragments != 0 || hdr.FragOff != 0 {
		return Decoded{}, false
	}
	src := hdr.Src.To4()
	dst := hdr.Dst.To4()
	if src == nil || dst == nil {
		return Decoded{}, false
	}

	udpOff := EthHeaderLen + hdr.Len
	if len(frame) < udpOff+8 {
		return Decoded{}, false
	}
	udpLen := int(binary.BigEndian.Uint16(frame[udpOff+4 : udpOff+6]))
	if udpLen < 8 || udpOff+udpLen > len(frame) {
		return Decoded{}, false
	}

	var d Decoded
	copy(d.Tuple.Src.IP[:], src)
	copy(d.Tuple.Dst.IP[:], dst)
	d.Tuple.Src.Port = binary.BigEndian.Uint16(frame[udpOff : udpOff+2])
	d.Tuple.Dst.Port = binary.BigEndian.Uint16(frame[udpOff+2 : udpOff+4])
	d.PayloadOff = udpOff + 8
	d.PayloadLen = udpLen - 8
	return d, true
}

// ipIDCounter yields fresh IPv4 Identification values for injected copies so
// they are not exact duplicates at the IP layer.
var ipIDCounter uint32

func nextIPID() uint16 { return uint16(atomic.AddUint32(&ipIDCounter, 1)) }

// RewriteForInjection updates an injected frame in place: fresh IP ID and a
// recomputed IPv4 header checksum. The UDP payload (and its checksum, which
// does not cover the IP ID) is untouched.
func RewriteForInjection(frame []byte) bool {
	if len(frame) < EthHeaderLen+ipv4.HeaderLen {
		return false
	}
	ip := frame[EthHeaderLen:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4.HeaderLen || len(ip) < ihl {
		return false
	}
	binary.BigEndian.PutUint16(ip[4:6], nextIPID())
	ip[10], ip[11] = 0, 0
	csum := Checksum(ip[:ihl])
	binary.BigEndian.PutUint16(ip[10:12], csum)
	return true
}

// Checksum is the RFC 1071 ones-complement sum over b.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// BuildFrame synthesizes an Ethernet/IPv4/UDP frame. The data plane only
// copies observed frames; this exists for tests and synthetic traffic.
func BuildFrame(tuple core.FourTuple, payload []byte) []byte {
	udpLen := 8 + len(payload)
	totalLen := ipv4.HeaderLen + udpLen
	frame := make([]byte, EthHeaderLen+totalLen)

	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[EthHeaderLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], nextIPID())
	ip[8] = 64
	ip[9] = protoUDP
	copy(ip[12:16], tuple.Src.IP[:])
	copy(ip[16:20], tuple.Dst.IP[:])
	binary.BigEndian.PutUint16(ip[10:12], Checksum(ip[:ipv4.HeaderLen]))

	udp := ip[ipv4.HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], tuple.Src.Port)
	binary.BigEndian.PutUint16(udp[2:4], tuple.Dst.Port)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(udp[:udpLen], tuple.Src.IP, tuple.Dst.IP))

	return frame
}

// udpChecksum computes the UDP checksum with the IPv4 pseudo-header.
func udpChecksum(udp []byte, srcIP, dstIP [4]byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = protoUDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udp)))

	var sum uint32
	for i := 0; i < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}
	for i := 0; i+1 < len(udp); i += 2 {
		if i == 6 {
			continue // checksum field itself
		}
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
