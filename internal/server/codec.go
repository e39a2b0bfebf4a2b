package server

import (
	"encoding/binary"

	"lime/internal/domain"
)

// Dialog message types.
const (
	TypeRegisterUser  = 0x01
	TypeDeleteUser    = 0x02
	TypePostSPk       = 0x03
	TypePostOPks      = 0x04
	TypeGetPeerBundle = 0x05
	TypeGetSelfOPks   = 0x06
	TypeBundle        = 0x81
	TypeSelfOPks      = 0x82
	TypeError         = 0xFF
)

// Response status codes.
const (
	StatusOK            = 0x00
	StatusServerFailure = 0x01
	StatusUnknownDevice = 0x02
	StatusNoBundle      = 0x03
	StatusBadRequest    = 0x04
)

// --- encoding helpers ---

func requestHeader(curve domain.CurveID, msgType byte) []byte {
	return []byte{domain.ProtocolVersion, byte(curve), msgType}
}

func responseHeader(curve domain.CurveID, msgType, status byte) []byte {
	return []byte{domain.ProtocolVersion, byte(curve), msgType, status}
}

// appendField writes a 2-byte big-endian length prefix followed by b.
func appendField(out, b []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
	return append(out, b...)
}

func readField(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, nil, false
	}
	return b[2 : 2+n], b[2+n:], true
}

func appendSPk(out []byte, spk domain.SignedPreKeyPublic) []byte {
	out = binary.BigEndian.AppendUint32(out, spk.ID)
	out = appendField(out, spk.Pub)
	return appendField(out, spk.Sig)
}

func readSPk(b []byte) (spk domain.SignedPreKeyPublic, rest []byte, ok bool) {
	if len(b) < 4 {
		return spk, nil, false
	}
	spk.ID = binary.BigEndian.Uint32(b)
	if spk.Pub, b, ok = readField(b[4:]); !ok {
		return spk, nil, false
	}
	if spk.Sig, b, ok = readField(b); !ok {
		return spk, nil, false
	}
	return spk, b, true
}

func appendOPks(out []byte, opks []domain.OneTimePreKeyPublic) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(opks)))
	for _, o := range opks {
		out = binary.BigEndian.AppendUint32(out, o.ID)
		out = appendField(out, o.Pub)
	}
	return out
}

func readOPks(b []byte) (opks []domain.OneTimePreKeyPublic, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	count := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	for i := 0; i < count; i++ {
		if len(b) < 4 {
			return nil, nil, false
		}
		o := domain.OneTimePreKeyPublic{ID: binary.BigEndian.Uint32(b)}
		if o.Pub, b, ok = readField(b[4:]); !ok {
			return nil, nil, false
		}
		opks = append(opks, o)
	}
	return opks, b, true
}

// --- request bodies ---

// EncodeRegisterUser frames the initial publication of a device: identity
// key, signed prekey and the first one-time prekey batch.
func EncodeRegisterUser(curve domain.CurveID, ik []byte, spk domain.SignedPreKeyPublic, opks []domain.OneTimePreKeyPublic) []byte {
	out := requestHeader(curve, TypeRegisterUser)
	out = appendField(out, ik)
	out = appendSPk(out, spk)
	return appendOPks(out, opks)
}

// EncodeDeleteUser frames a device deletion.
func EncodeDeleteUser(curve domain.CurveID) []byte {
	return requestHeader(curve, TypeDeleteUser)
}

// EncodePostSPk frames a signed prekey rotation.
func EncodePostSPk(curve domain.CurveID, spk domain.SignedPreKeyPublic) []byte {
	return appendSPk(requestHeader(curve, TypePostSPk), spk)
}

// EncodePostOPks frames a one-time prekey refill.
func EncodePostOPks(curve domain.CurveID, opks []domain.OneTimePreKeyPublic) []byte {
	return appendOPks(requestHeader(curve, TypePostOPks), opks)
}

// EncodeGetPeerBundle frames a bundle fetch for one peer device.
func EncodeGetPeerBundle(curve domain.CurveID, peer domain.DeviceID) []byte {
	return appendField(requestHeader(curve, TypeGetPeerBundle), []byte(peer))
}

// EncodeGetSelfOPks frames a query for the count of unconsumed one-time
// prekeys the server still holds for the caller.
func EncodeGetSelfOPks(curve domain.CurveID) []byte {
	return requestHeader(curve, TypeGetSelfOPks)
}

// --- response bodies ---

// EncodeBundle frames a fetched peer bundle. A zero OPkID means the server
// had no one-time prekey left for the peer.
func EncodeBundle(b domain.KeyBundle) []byte {
	out := responseHeader(b.CurveID, TypeBundle, StatusOK)
	out = appendField(out, []byte(b.DeviceID))
	out = appendField(out, b.Ik)
	out = appendSPk(out, domain.SignedPreKeyPublic{ID: b.SPkID, Pub: b.SPk, Sig: b.SPkSig})
	if b.OPkID != 0 {
		out = append(out, 1)
		out = binary.BigEndian.AppendUint32(out, b.OPkID)
		out = appendField(out, b.OPk)
	} else {
		out = append(out, 0)
	}
	return out
}

// DecodeBundle parses a TypeBundle payload (everything after the status
// byte).
func DecodeBundle(curve domain.CurveID, payload []byte) (domain.KeyBundle, error) {
	b := domain.KeyBundle{CurveID: curve}
	device, rest, ok := readField(payload)
	if !ok {
		return b, errMalformed()
	}
	b.DeviceID = domain.DeviceID(device)
	if b.Ik, rest, ok = readField(rest); !ok {
		return b, errMalformed()
	}
	spk, rest, ok := readSPk(rest)
	if !ok {
		return b, errMalformed()
	}
	b.SPkID, b.SPk, b.SPkSig = spk.ID, spk.Pub, spk.Sig
	if len(rest) < 1 {
		return b, errMalformed()
	}
	if rest[0] == 1 {
		if len(rest) < 5 {
			return b, errMalformed()
		}
		b.OPkID = binary.BigEndian.Uint32(rest[1:])
		if b.OPk, _, ok = readField(rest[5:]); !ok {
			return b, errMalformed()
		}
	}
	return b, nil
}

// EncodeSelfOPks frames the unconsumed one-time prekey count.
func EncodeSelfOPks(curve domain.CurveID, count int) []byte {
	out := responseHeader(curve, TypeSelfOPks, StatusOK)
	return binary.BigEndian.AppendUint16(out, uint16(count))
}

// EncodeAck frames an empty success response echoing the request type.
func EncodeAck(curve domain.CurveID, reqType byte) []byte {
	return responseHeader(curve, reqType, StatusOK)
}

// EncodeError frames a failure response.
func EncodeError(curve domain.CurveID, status byte) []byte {
	return responseHeader(curve, TypeError, status)
}

func errMalformed() error {
	return domain.Errf(domain.KindProtocol, "malformed server message")
}
