package domain

// DeviceID uniquely identifies one device installation (the caller's GRUU).
type DeviceID string

// String returns the string form of the device id.
func (d DeviceID) String() string { return string(d) }

// UserID identifies a user owning one or more devices.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// CurveID selects the elliptic curve a deployment runs on. All keys carry
// their curve; mixing curves within one deployment is forbidden.
type CurveID uint8

const (
	// CurveC25519 is X25519/Ed25519.
	CurveC25519 CurveID = 0x01
	// CurveC448 is X448/Ed448.
	CurveC448 CurveID = 0x02
)

// String returns a human-readable curve name.
func (c CurveID) String() string {
	switch c {
	case CurveC25519:
		return "c25519"
	case CurveC448:
		return "c448"
	}
	return "unknown"
}

// ParseCurveID maps a curve name to its identifier.
func ParseCurveID(s string) (CurveID, bool) {
	switch s {
	case "c25519":
		return CurveC25519, true
	case "c448":
		return CurveC448, true
	}
	return 0, false
}

// ProtocolVersion is the wire version carried by every message and server
// request.
const ProtocolVersion uint8 = 0x01
