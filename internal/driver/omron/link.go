package omron

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/ble/protocol"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/session"
)

// link carries framed commands over a set of TX characteristics and collects
// the reply from the matching RX characteristics.
type link struct {
	s     *session.Session
	codec crypto.Codec
	tx    []ble.Characteristic
	rx    []*session.Stream
	chunk int
}

func openLink(ctx context.Context, s *session.Session, codec crypto.Codec, g gatt) (*link, error) {
	l := &link{s: s, codec: codec, chunk: g.chunk}
	for _, uuid := range g.tx {
		c, err := s.Discover(ctx, g.service, uuid)
		if err != nil {
			return nil, err
		}
		l.tx = append(l.tx, c)
	}
	for _, uuid := range g.rx {
		c, err := s.Discover(ctx, g.service, uuid)
		if err != nil {
			return nil, err
		}
		st, err := s.Subscribe(ctx, c)
		if err != nil {
			return nil, err
		}
		l.rx = append(l.rx, st)
	}
	return l, nil
}

// command sends req and returns the device's reply.
func (l *link) command(ctx context.Context, req protocol.Packet) (protocol.Packet, error) {
	pkt, err := l.codec.Seal(l.s.Key(), req.Marshal())
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("omron: seal 0x%04x: %w", req.Op, err)
	}
	chunks := protocol.ChunkPacket(pkt, l.chunk)
	if len(chunks) > len(l.tx) {
		return protocol.Packet{}, fmt.Errorf("omron: %d-byte packet needs %d chunks, have %d characteristics: %w", len(pkt), len(chunks), len(l.tx), failure.ErrInternal)
	}

	for _, st := range l.rx {
		st.Drain()
	}
	for i, c := range chunks {
		if err := l.s.Write(ctx, l.tx[i], c); err != nil {
			return protocol.Packet{}, err
		}
	}

	var asm protocol.Assembler
	for i, st := range l.rx {
		data, err := st.Next(ctx)
		if err != nil {
			return protocol.Packet{}, err
		}
		if i == 0 && len(data) == 0 {
			return protocol.Packet{}, fmt.Errorf("omron: empty reply to 0x%04x: %w", req.Op, failure.ErrMalformedPayload)
		}
		if asm.Add(data) {
			break
		}
		if asm.Invalid() {
			return protocol.Packet{}, fmt.Errorf("omron: reply to 0x%04x declares length %d: %w", req.Op, data[0], failure.ErrMalformedPayload)
		}
	}
	if !asm.Complete() {
		return protocol.Packet{}, fmt.Errorf("omron: truncated reply to 0x%04x (%d bytes): %w", req.Op, len(asm.Bytes()), failure.ErrMalformedPayload)
	}

	msg, err := l.codec.Open(l.s.Key(), asm.Bytes())
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("omron: reply to 0x%04x: %w", req.Op, err)
	}
	return protocol.UnmarshalPacket(msg)
}

func (l *link) startTransaction(ctx context.Context) error {
	resp, err := l.command(ctx, protocol.StartTransaction())
	if err != nil {
		return fmt.Errorf("omron: start transaction: %w", err)
	}
	return protocol.ExpectReply(resp, protocol.ReplyStartTransaction)
}

func (l *link) endTransaction(ctx context.Context) error {
	resp, err := l.command(ctx, protocol.EndTransaction())
	if err != nil {
		return fmt.Errorf("omron: end transaction: %w", err)
	}
	return protocol.ExpectReply(resp, protocol.ReplyEndTransaction)
}

// readEEPROM reads n bytes at addr in blocks of at most block bytes. It
// reports false if the device answered any block short, which it does for
// memory it has nothing stored in.
func (l *link) readEEPROM(ctx context.Context, addr uint16, n, block int) ([]byte, bool, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		todo := min(block, n-len(out))
		req, err := protocol.ReadRequest(addr, todo)
		if err != nil {
			return nil, false, err
		}
		resp, err := l.command(ctx, req)
		if err != nil {
			return nil, false, fmt.Errorf("omron: read 0x%04x: %w", addr, err)
		}
		data, err := protocol.ParseReadReply(resp, addr, todo)
		if errors.Is(err, protocol.ErrShortRead) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		out = append(out, data...)
		addr += uint16(todo)
	}
	return out, true, nil
}

// writeEEPROM writes data at addr in blocks of at most block bytes.
func (l *link) writeEEPROM(ctx context.Context, addr uint16, data []byte, block int) error {
	for len(data) > 0 {
		todo := min(block, len(data))
		req, err := protocol.WriteRequest(addr, data[:todo])
		if err != nil {
			return err
		}
		resp, err := l.command(ctx, req)
		if err != nil {
			return fmt.Errorf("omron: write 0x%04x: %w", addr, err)
		}
		if err := protocol.ParseWriteReply(resp, addr); err != nil {
			return err
		}
		data = data[todo:]
		addr += uint16(todo)
	}
	return nil
}
