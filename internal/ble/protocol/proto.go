// Package protocol implements the Omron command framing used over BLE.
//
// A packet on the wire is
//
//	len(1) | op(2, big endian) | data | xor(1)
//
// where len counts the whole packet and xor is chosen so the XOR of every
// byte in the packet is zero.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// HeaderSize is the framing overhead: length, two opcode bytes and checksum.
const HeaderSize = 4

// MaxPacketSize is bounded by the single length byte.
const MaxPacketSize = 0xff

// Command opcodes and the opcode the device answers each with.
const (
	OpStartTransaction uint16 = 0x0000
	OpEndTransaction   uint16 = 0x0f00
	OpReadEEPROM       uint16 = 0x0100
	OpWriteEEPROM      uint16 = 0x01c0

	ReplyStartTransaction uint16 = 0x8000
	ReplyEndTransaction   uint16 = 0x8f00
	ReplyReadEEPROM       uint16 = 0x8100
	ReplyWriteEEPROM      uint16 = 0x81c0
)

// Packet is a decoded command or response.
type Packet struct {
	Op   uint16
	Data []byte
}

// Marshal returns op and data as a plaintext message (op || data), the unit
// the session codec seals into a frame.
func (p Packet) Marshal() []byte {
	buf := make([]byte, 2, 2+len(p.Data))
	binary.BigEndian.PutUint16(buf, p.Op)
	return append(buf, p.Data...)
}

// UnmarshalPacket splits a plaintext message into opcode and data.
func UnmarshalPacket(msg []byte) (Packet, error) {
	if len(msg) < 2 {
		return Packet{}, fmt.Errorf("protocol: message too short (%d bytes): %w", len(msg), failure.ErrMalformedPayload)
	}
	data := make([]byte, len(msg)-2)
	copy(data, msg[2:])
	return Packet{Op: binary.BigEndian.Uint16(msg), Data: data}, nil
}

// Frame wraps a plaintext message (op || data) into a wire packet.
func Frame(msg []byte) ([]byte, error) {
	if len(msg) < 2 {
		return nil, fmt.Errorf("protocol: message must carry an opcode, got %d bytes", len(msg))
	}
	n := len(msg) + 2
	if n > MaxPacketSize {
		return nil, fmt.Errorf("protocol: packet of %d bytes exceeds %d", n, MaxPacketSize)
	}
	pkt := make([]byte, 0, n)
	pkt = append(pkt, byte(n))
	pkt = append(pkt, msg...)
	pkt = append(pkt, Checksum(pkt))
	return pkt, nil
}

// Unframe validates a wire packet and returns its plaintext message. Bytes
// beyond the declared length (notification padding) are ignored.
func Unframe(pkt []byte) ([]byte, error) {
	if len(pkt) < HeaderSize {
		return nil, fmt.Errorf("protocol: packet too short (%d bytes): %w", len(pkt), failure.ErrMalformedPayload)
	}
	n := int(pkt[0])
	if n < HeaderSize {
		return nil, fmt.Errorf("protocol: declared length %d below header size: %w", n, failure.ErrMalformedPayload)
	}
	if len(pkt) < n {
		return nil, fmt.Errorf("protocol: declared length %d exceeds %d received bytes: %w", n, len(pkt), failure.ErrMalformedPayload)
	}
	pkt = pkt[:n]
	if Checksum(pkt) != 0 {
		return nil, fmt.Errorf("protocol: checksum mismatch: %w", failure.ErrMalformedPayload)
	}
	msg := make([]byte, n-2)
	copy(msg, pkt[1:n-1])
	return msg, nil
}

// Checksum XORs all bytes of buf.
func Checksum(buf []byte) byte {
	var x byte
	for _, b := range buf {
		x ^= b
	}
	return x
}

// StartTransaction is the command that opens an EEPROM transaction.
func StartTransaction() Packet {
	return Packet{Op: OpStartTransaction, Data: []byte{0x00, 0x00, 0x10, 0x00}}
}

// EndTransaction closes an EEPROM transaction.
func EndTransaction() Packet {
	return Packet{Op: OpEndTransaction, Data: []byte{0x00, 0x00, 0x00, 0x00}}
}

// ReadRequest asks for n bytes of EEPROM at addr.
func ReadRequest(addr uint16, n int) (Packet, error) {
	if n <= 0 || n > 0xff {
		return Packet{}, fmt.Errorf("protocol: read size %d out of range", n)
	}
	return Packet{Op: OpReadEEPROM, Data: []byte{byte(addr >> 8), byte(addr), byte(n), 0x00}}, nil
}

// WriteRequest writes block to EEPROM at addr.
func WriteRequest(addr uint16, block []byte) (Packet, error) {
	if len(block) == 0 || len(block) > 0xff {
		return Packet{}, fmt.Errorf("protocol: write size %d out of range", len(block))
	}
	data := make([]byte, 0, len(block)+4)
	data = append(data, byte(addr>>8), byte(addr), byte(len(block)))
	data = append(data, block...)
	data = append(data, 0x00)
	return Packet{Op: OpWriteEEPROM, Data: data}, nil
}

// ErrShortRead reports a read reply that carried fewer bytes than requested.
// The device answers this way for slots it has nothing stored in.
var ErrShortRead = errors.New("protocol: short EEPROM read")

// ParseReadReply validates a reply to ReadRequest(addr, n) and returns the n
// data bytes.
func ParseReadReply(p Packet, addr uint16, n int) ([]byte, error) {
	if p.Op != ReplyReadEEPROM || len(p.Data) < 3 {
		return nil, fmt.Errorf("protocol: unexpected read reply op=0x%04x len=%d: %w", p.Op, len(p.Data), failure.ErrMalformedPayload)
	}
	gotAddr := binary.BigEndian.Uint16(p.Data)
	gotN := int(p.Data[2])
	if gotAddr != addr || gotN != n {
		return nil, fmt.Errorf("protocol: read reply for 0x%04x/%d, asked 0x%04x/%d: %w", gotAddr, gotN, addr, n, failure.ErrMalformedPayload)
	}
	if len(p.Data) < 3+n {
		return nil, ErrShortRead
	}
	out := make([]byte, n)
	copy(out, p.Data[3:3+n])
	return out, nil
}

// ParseWriteReply validates a reply to WriteRequest(addr, ...).
func ParseWriteReply(p Packet, addr uint16) error {
	if p.Op != ReplyWriteEEPROM || len(p.Data) < 2 {
		return fmt.Errorf("protocol: unexpected write reply op=0x%04x len=%d: %w", p.Op, len(p.Data), failure.ErrMalformedPayload)
	}
	if got := binary.BigEndian.Uint16(p.Data); got != addr {
		return fmt.Errorf("protocol: write reply for 0x%04x, asked 0x%04x: %w", got, addr, failure.ErrMalformedPayload)
	}
	return nil
}

// ExpectReply checks p carries the given opcode.
func ExpectReply(p Packet, op uint16) error {
	if p.Op != op {
		return fmt.Errorf("protocol: reply op 0x%04x, want 0x%04x: %w", p.Op, op, failure.ErrMalformedPayload)
	}
	return nil
}
