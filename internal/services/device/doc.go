// Package device implements the device manager, the public surface of the
// library. It multiplexes local devices and their per-peer Double Ratchet
// sessions, drives the key-server dialog, and exposes the user-lifecycle,
// encrypt/decrypt and trust-management operations.
//
// Encrypting to a peer without an active session fetches its key bundle and
// runs the X3DH initiator half; the resulting DR message carries the init
// block until an inbound reply confirms the session. Multi-recipient
// encryption packages the payload per policy: either repeated in every DR
// message or encrypted once under a random content key that each DR message
// carries.
//
// Operations on one (local device, peer device) session are serialized by an
// exclusive lease; distinct sessions proceed in parallel.
package device
