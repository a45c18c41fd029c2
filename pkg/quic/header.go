// Package quic parses the keyless view of QUIC packets: header form, version,
// connection IDs, and the ciphertext fingerprint. Nothing here decrypts or
// decodes packet numbers; the parser extracts only what a middlebox can see.
package quic

import "github.com/cespare/xxhash/v2"

const (
	formBit  = 0x80
	fixedBit = 0x40
	spinBit  = 0x20
	typeMask = 0x30

	// MaxCIDLen is the RFC 9000 connection ID length limit.
	MaxCIDLen = 20

	// FingerprintLen is the number of ciphertext bytes hashed into the
	// packet fingerprint, starting at the packet-number slot.
	FingerprintLen = 16
)

// Form distinguishes the two QUIC header encodings.
type Form uint8

const (
	// FormShort is a 1-RTT packet.
	FormShort Form = iota
	// FormLong is a handshake-phase packet.
	FormLong
)

// LongType is the packet type of a long header.
type LongType uint8

const (
	TypeInitial LongType = iota
	TypeZeroRTT
	TypeHandshake
	TypeRetry
	TypeVersionNegotiation
)

func (t LongType) String() string {
	switch t {
	case TypeInitial:
		return "initial"
	case TypeZeroRTT:
		return "0rtt"
	case TypeHandshake:
		return "handshake"
	case TypeRetry:
		return "retry"
	}
	return "vneg"
}

// Header is the observable part of the outermost QUIC packet in a UDP
// datagram. Coalesced packets behind it are treated as opaque ciphertext.
type Header struct {
	Form Form

	// Type is set for long headers only.
	Type LongType

	// Spin is the latency spin bit; short headers only.
	Spin bool

	// Version is set for long headers only.
	Version uint32

	DCID []byte

	// SCID is present on long headers only.
	SCID []byte

	// PNOffset is the offset of the (encrypted) packet-number slot within
	// the UDP payload; short headers only.
	PNOffset int

	// Fingerprint is the hash of the ciphertext slice at PNOffset; short
	// headers only.
	Fingerprint uint64
}

// Parse decodes the outermost QUIC header of a UDP payload. dcidLen is the
// connection ID length assumed for short headers. The bool result is false
// for anything that does not look like trackable QUIC; malformed input never
// produces an error, only a skip.
func Parse(payload []byte, dcidLen int) (Header, bool) {
	if len(payload) < 1 || dcidLen <= 0 || dcidLen > MaxCIDLen {
		return Header{}, false
	}
	first := payload[0]
	// A cleared fixed bit is tolerated: the grease_quic_bit transport
	// parameter allows it on the wire.

	if first&formBit == 0 {
		return parseShort(payload, dcidLen)
	}
	return parseLong(payload)
}

func parseShort(payload []byte, dcidLen int) (Header, bool) {
	pnOffset := 1 + dcidLen
	// At least one byte past the DCID (the packet-number slot) must exist.
	if len(payload) <= pnOffset {
		return Header{}, false
	}
	return Header{
		Form:        FormShort,
		Spin:        payload[0]&spinBit != 0,
		DCID:        payload[1:pnOffset],
		PNOffset:    pnOffset,
		Fingerprint: Fingerprint(payload, pnOffset),
	}, true
}

func parseLong(payload []byte) (Header, bool) {
	if len(payload) < 7 { // first byte + version + two CID length bytes
		return Header{}, false
	}
	version := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])

	ty := TypeVersionNegotiation
	if version != 0 {
		switch (payload[0] & typeMask) >> 4 {
		case 0x00:
			ty = TypeInitial
		case 0x01:
			ty = TypeZeroRTT
		case 0x02:
			ty = TypeHandshake
		case 0x03:
			ty = TypeRetry
		}
	}

	off := 5
	dcidLen := int(payload[off])
	off++
	if dcidLen > MaxCIDLen || len(payload) < off+dcidLen+1 {
		return Header{}, false
	}
	dcid := payload[off : off+dcidLen]
	off += dcidLen

	scidLen := int(payload[off])
	off++
	if scidLen > MaxCIDLen || len(payload) < off+scidLen {
		return Header{}, false
	}
	scid := payload[off : off+scidLen]

	return Header{
		Form:    FormLong,
		Type:    ty,
		Version: version,
		DCID:    dcid,
		SCID:    scid,
	}, true
}

// Fingerprint hashes FingerprintLen ciphertext bytes starting at the
// packet-number slot. If fewer than FingerprintLen bytes remain the whole
// tail is hashed; the probabilistic identity just gets shorter.
func Fingerprint(payload []byte, pnOffset int) uint64 {
	end := pnOffset + FingerprintLen
	if end > len(payload) {
		end = len(payload)
	}
	if pnOffset >= end {
		return 0
	}
	return xxhash.Sum64(payload[pnOffset:end])
}
