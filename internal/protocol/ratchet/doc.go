// Package ratchet implements the Double Ratchet session engine: the root-key
// KDF chain driven by DH ratchet steps, the HMAC symmetric chains deriving
// per-message keys, the bounded skipped-message-key cache for out-of-order
// delivery, and the outer wire envelope carrying the header and the optional
// X3DH init prefix.
//
// Decryption is transactional: the engine works on a copy of the session
// state and commits it back only after the AEAD tag verifies, so a forged or
// replayed message never advances a chain. A cached skipped key is removed
// when used, which makes per-session decryption at-most-once.
package ratchet
