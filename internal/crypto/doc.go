// Package crypto exposes the primitive layer: HKDF-SHA512, HMAC-SHA512,
// AES-256-GCM, the process RNG, and the Curve capability with its C25519 and
// C448 instantiations (DSA sign/verify, ECDH, and the DSA-to-X key
// conversions used by X3DH).
//
// Primitives never panic; failures come back as classified crypto errors, and
// AEAD decryption reports tag verification as a boolean.
package crypto
