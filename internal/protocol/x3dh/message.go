package x3dh

import (
	"encoding/binary"

	"lime/internal/crypto"
	"lime/internal/domain"
)

// InitMessage carries the X3DH handshake parameters prefixed to the first
// Double Ratchet message of a session. OPkID is zero when no one-time prekey
// was consumed.
type InitMessage struct {
	Ik    []byte
	Ek    []byte
	SPkID uint32
	OPkID uint32
}

// Marshal encodes the init block:
//
//	Ik || Ek || SPk_id(4B BE) || OPk_present(1B) [|| OPk_id(4B BE)]
func (m InitMessage) Marshal(c crypto.Curve) []byte {
	out := make([]byte, 0, c.DSAPublicSize()+c.DHPublicSize()+9)
	out = append(out, m.Ik...)
	out = append(out, m.Ek...)
	out = binary.BigEndian.AppendUint32(out, m.SPkID)
	if m.OPkID != 0 {
		out = append(out, 1)
		out = binary.BigEndian.AppendUint32(out, m.OPkID)
	} else {
		out = append(out, 0)
	}
	return out
}

// ParseInit decodes an init block and returns how many bytes it consumed.
func ParseInit(c crypto.Curve, data []byte) (InitMessage, int, error) {
	ikLen, ekLen := c.DSAPublicSize(), c.DHPublicSize()
	need := ikLen + ekLen + 5
	if len(data) < need {
		return InitMessage{}, 0, domain.Errf(domain.KindProtocol, "truncated X3DH init block")
	}
	m := InitMessage{
		Ik:    append([]byte(nil), data[:ikLen]...),
		Ek:    append([]byte(nil), data[ikLen:ikLen+ekLen]...),
		SPkID: binary.BigEndian.Uint32(data[ikLen+ekLen:]),
	}
	switch data[ikLen+ekLen+4] {
	case 0:
		return m, need, nil
	case 1:
		if len(data) < need+4 {
			return InitMessage{}, 0, domain.Errf(domain.KindProtocol, "truncated X3DH init block")
		}
		m.OPkID = binary.BigEndian.Uint32(data[ikLen+ekLen+5:])
		if m.OPkID == 0 {
			return InitMessage{}, 0, domain.Errf(domain.KindProtocol, "zero one-time prekey id")
		}
		return m, need + 4, nil
	}
	return InitMessage{}, 0, domain.Errf(domain.KindProtocol, "invalid OPk presence byte")
}
