package ratchet

import (
	"encoding/binary"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/protocol/x3dh"
)

// Outer envelope message types.
const (
	msgTypeRegular  = 0x00
	msgTypeX3DHInit = 0x01
)

// Message is a parsed inbound envelope. InitRaw keeps the exact init-block
// bytes so the manager can match them against the session that accepted
// them.
type Message struct {
	CurveID domain.CurveID
	InitRaw []byte
	Header  domain.RatchetHeader
	CT      []byte
	Tag     []byte
}

// HasInit reports whether the envelope carried an X3DH init block.
func (m Message) HasInit() bool { return len(m.InitRaw) > 0 }

// buildEnvelope assembles the outer wire format:
//
//	version(1) || curve(1) || type(1) || [init block] ||
//	DH_pub || PN(4B BE) || N(4B BE) || ciphertext || tag(16B)
func buildEnvelope(curve domain.CurveID, init []byte, h domain.RatchetHeader, ct, tag []byte) []byte {
	out := make([]byte, 0, 3+len(init)+len(h.DHPub)+8+len(ct)+len(tag))
	out = append(out, domain.ProtocolVersion, byte(curve))
	if len(init) > 0 {
		out = append(out, msgTypeX3DHInit)
		out = append(out, init...)
	} else {
		out = append(out, msgTypeRegular)
	}
	out = append(out, headerBytes(h)...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	out = binary.BigEndian.AppendUint32(out, h.N)
	return out
}

// ParseMessage decodes and validates an inbound envelope against the
// deployment curve.
func ParseMessage(c crypto.Curve, wire []byte) (Message, error) {
	if len(wire) < 3 {
		return Message{}, domain.Errf(domain.KindProtocol, "envelope truncated")
	}
	if wire[0] != domain.ProtocolVersion {
		return Message{}, domain.Errf(domain.KindProtocol, "unknown protocol version 0x%02x", wire[0])
	}
	if domain.CurveID(wire[1]) != c.ID() {
		return Message{}, domain.Errf(domain.KindProtocol, "curve tag 0x%02x does not match deployment %s", wire[1], c.ID())
	}
	msg := Message{CurveID: c.ID()}
	body := wire[3:]

	switch wire[2] {
	case msgTypeRegular:
	case msgTypeX3DHInit:
		_, n, err := x3dh.ParseInit(c, body)
		if err != nil {
			return Message{}, err
		}
		msg.InitRaw = append([]byte(nil), body[:n]...)
		body = body[n:]
	default:
		return Message{}, domain.Errf(domain.KindProtocol, "unknown message type 0x%02x", wire[2])
	}

	headerLen := c.DHPublicSize() + 8
	if len(body) < headerLen+crypto.AEADTagSize {
		return Message{}, domain.Errf(domain.KindProtocol, "envelope truncated")
	}
	msg.Header = domain.RatchetHeader{
		DHPub: append([]byte(nil), body[:c.DHPublicSize()]...),
		PN:    binary.BigEndian.Uint32(body[c.DHPublicSize():]),
		N:     binary.BigEndian.Uint32(body[c.DHPublicSize()+4:]),
	}
	body = body[headerLen:]
	msg.CT = append([]byte(nil), body[:len(body)-crypto.AEADTagSize]...)
	msg.Tag = append([]byte(nil), body[len(body)-crypto.AEADTagSize:]...)
	return msg, nil
}
