// Package x3dh implements the asynchronous key agreement that bootstraps a
// Double Ratchet session between two devices.
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey signature against the peer DSA identity.
//  2. Generate an ephemeral key pair.
//  3. Compute DH(IK_I,SPK_R), DH(EK_I,IK_R), DH(EK_I,SPK_R) and, when the
//     bundle carries a one-time prekey, DH(EK_I,OPK_R).
//  4. HKDF the prefixed transcript into the 32-byte shared secret.
//
// Responder:
//  1. Parse the init block from the first inbound message.
//  2. Look up the referenced signed prekey; consume the one-time prekey
//     atomically with acceptance.
//  3. Compute the mirrored DH set and HKDF to the identical secret.
//
// Only public material crosses the wire. The associated data returned with
// the secret binds the curve tag and both DSA identities, initiator first,
// and authenticates every message of the resulting session.
package x3dh
